package server

import (
	"net/http"
	"strings"

	"github.com/gravitational/trace"

	"github.com/nicholasjackson/iam-token-service/token"
)

// OAuth error codes per RFC 6749 and RFC 8707.
const (
	oauthInvalidRequest       = "invalid_request"
	oauthInvalidClient        = "invalid_client"
	oauthInvalidScope         = "invalid_scope"
	oauthInvalidTarget        = "invalid_target"
	oauthUnsupportedGrantType = "unsupported_grant_type"
	oauthServerError          = "server_error"
	oauthUnavailable          = "temporarily_unavailable"
)

type oauthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

func (s *Server) writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	promTokenErrors.WithLabelValues(code).Inc()
	w.Header().Set("Cache-Control", "no-store")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Basic")
	}
	s.writeJSON(w, status, oauthError{Code: code, Description: description})
}

// handleToken is the client_credentials grant. The client secret is a signed
// sts:GetCallerIdentity request; STS vouches for the caller, the RBAC engine
// decides what goes in the token, KMS signs it.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "malformed form body")
		return
	}

	if grant := r.PostForm.Get("grant_type"); grant != "client_credentials" {
		s.writeOAuthError(w, http.StatusBadRequest, oauthUnsupportedGrantType, "only client_credentials is supported")
		return
	}

	clientID := r.PostForm.Get("client_id")
	clientSecret := r.PostForm.Get("client_secret")
	if clientID == "" || clientSecret == "" {
		s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, "client_id and client_secret are required")
		return
	}

	resourceName := r.PostForm.Get("resource")
	if resourceName == "" {
		resourceName = s.cfg.DefaultResource
	}
	if resourceName == "" {
		s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidTarget, "no resource requested and no default configured")
		return
	}
	scopeName := r.PostForm.Get("scope")

	identity, err := s.cfg.Verifier.Verify(r.Context(), clientSecret)
	if err != nil {
		s.log.Info("caller identity verification failed", "client_id", clientID, "error", err)
		s.writeOAuthError(w, http.StatusUnauthorized, oauthInvalidClient, "caller identity could not be verified")
		return
	}
	// The verified identity must be the one the client claims to be.
	if identity.ARN != clientID {
		s.log.Info("client_id does not match verified identity", "client_id", clientID, "arn", identity.ARN)
		s.writeOAuthError(w, http.StatusUnauthorized, oauthInvalidClient, "client_id does not match caller identity")
		return
	}

	access, err := s.cfg.Repository.GetAccess(r.Context(), identity.ARN, resourceName, scopeName)
	switch {
	case err == nil:
	case trace.IsNotFound(err):
		// Distinguish an unknown resource from an unknown scope.
		if resource, gerr := s.cfg.Repository.GetResource(r.Context(), resourceName); gerr == nil && resource != nil {
			s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidScope, trace.UserMessage(err))
			return
		}
		s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidTarget, trace.UserMessage(err))
		return
	case trace.IsBadParameter(err):
		s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidRequest, trace.UserMessage(err))
		return
	case trace.IsConnectionProblem(err):
		s.writeOAuthError(w, http.StatusServiceUnavailable, oauthUnavailable, "authorization store unavailable")
		return
	default:
		s.log.Error("resolving access", "error", err)
		s.writeOAuthError(w, http.StatusInternalServerError, oauthServerError, "")
		return
	}

	// No scope on the resource means no access at all.
	if len(access.Scopes) == 0 {
		s.writeOAuthError(w, http.StatusBadRequest, oauthInvalidScope, "principal holds no scope on the requested resource")
		return
	}

	tok, expiresIn, err := s.cfg.Signer.Issue(r.Context(), token.IssueRequest{
		PrincipalID:  identity.ARN,
		ResourceName: access.ResourceName,
		Scopes:       access.Scopes,
		Roles:        access.Roles,
		Region:       s.cfg.Region,
		Lifetime:     s.cfg.TokenTTL,
	})
	if err != nil {
		if trace.IsConnectionProblem(err) {
			s.writeOAuthError(w, http.StatusServiceUnavailable, oauthUnavailable, "signing service unavailable")
			return
		}
		// Key misconfiguration is ours to fix; give the caller nothing.
		s.log.Error("signing token", "error", err)
		s.writeOAuthError(w, http.StatusInternalServerError, oauthServerError, "")
		return
	}

	promTokensIssued.WithLabelValues(access.ResourceName).Inc()
	s.log.Info("issued token", "sub", identity.ARN, "aud", access.ResourceName)

	w.Header().Set("Cache-Control", "no-store")
	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       strings.Join(access.Scopes, " "),
	})
}
