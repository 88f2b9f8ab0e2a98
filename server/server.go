package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nicholasjackson/iam-token-service/rbac"
	"github.com/nicholasjackson/iam-token-service/token"
)

// Policy roles that guard the RBAC management API. Callers must hold the
// matching role on the service's own resource.
const (
	policyRoleCreate = "rbac.create"
	policyRoleRead   = "rbac.read"
	policyRoleUpdate = "rbac.update"
	policyRoleDelete = "rbac.delete"
)

// Config wires the server's collaborators.
type Config struct {
	Repository *rbac.Repository
	Signer     *token.Signer
	Publisher  *token.Publisher
	Verifier   CallerIdentityVerifier
	Logger     hclog.Logger

	// Issuer is the iss claim and the issuer in the discovery document.
	Issuer string
	// SelfResource is the audience whose rbac.* roles guard the
	// management endpoints.
	SelfResource string
	// DefaultResource is the audience used when a token request names no
	// resource. Optional.
	DefaultResource string
	// Region selects the signing key.
	Region string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
}

// Server is the HTTP front of the authorization server.
type Server struct {
	cfg    Config
	log    hclog.Logger
	router *mux.Router
}

// New validates the configuration and builds the route table.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.Repository == nil:
		return nil, trace.BadParameter("server requires a repository")
	case cfg.Signer == nil:
		return nil, trace.BadParameter("server requires a signer")
	case cfg.Publisher == nil:
		return nil, trace.BadParameter("server requires a JWKS publisher")
	case cfg.Verifier == nil:
		return nil, trace.BadParameter("server requires a caller identity verifier")
	case cfg.Issuer == "":
		return nil, trace.BadParameter("server requires an issuer")
	case cfg.SelfResource == "":
		return nil, trace.BadParameter("server requires a self resource")
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 15 * time.Minute
	}

	registerMetrics()

	s := &Server{
		cfg:    cfg,
		log:    cfg.Logger.Named("server"),
		router: mux.NewRouter(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/.well-known/openid-configuration", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/jwks.json", s.handleJWKS).Methods(http.MethodGet)

	r.HandleFunc("/resources", s.requireRole(policyRoleCreate, s.handleResourceCreate)).Methods(http.MethodPost)
	r.HandleFunc("/resources", s.requireRole(policyRoleRead, s.handleResourceGet)).Methods(http.MethodGet)
	r.HandleFunc("/resources", s.requireRole(policyRoleDelete, s.handleResourceDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/scopes", s.requireRole(policyRoleCreate, s.handleScopeCreate)).Methods(http.MethodPost)
	r.HandleFunc("/scopes", s.requireRole(policyRoleRead, s.handleScopeGet)).Methods(http.MethodGet)
	r.HandleFunc("/scopes", s.requireRole(policyRoleDelete, s.handleScopeDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/roles", s.requireRole(policyRoleCreate, s.handleRoleCreate)).Methods(http.MethodPost)
	r.HandleFunc("/roles", s.requireRole(policyRoleRead, s.handleRoleGet)).Methods(http.MethodGet)
	r.HandleFunc("/roles", s.requireRole(policyRoleDelete, s.handleRoleDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/assignments/scopes", s.requireRole(policyRoleUpdate, s.handleScopeAssignmentCreate)).Methods(http.MethodPost)
	r.HandleFunc("/assignments/scopes", s.requireRole(policyRoleRead, s.handleScopeAssignmentGet)).Methods(http.MethodGet)
	r.HandleFunc("/assignments/scopes", s.requireRole(policyRoleUpdate, s.handleScopeAssignmentDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/assignments/roles", s.requireRole(policyRoleUpdate, s.handleRoleAssignmentCreate)).Methods(http.MethodPost)
	r.HandleFunc("/assignments/roles", s.requireRole(policyRoleRead, s.handleRoleAssignmentGet)).Methods(http.MethodGet)
	r.HandleFunc("/assignments/roles", s.requireRole(policyRoleUpdate, s.handleRoleAssignmentDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/assignments/principals", s.requireRole(policyRoleRead, s.handlePrincipalAccess)).Methods(http.MethodGet)
	r.HandleFunc("/assignments/principals", s.requireRole(policyRoleDelete, s.handlePrincipalDelete)).Methods(http.MethodDelete)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
}

// Handler returns the instrumented root handler.
func (s *Server) Handler() http.Handler {
	return instrument(s.router)
}
