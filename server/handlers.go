package server

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
)

// entityRequest is the body shared by the management endpoints; handlers use
// the fields relevant to their route.
type entityRequest struct {
	ResourceName string `json:"resourceName"`
	ScopeName    string `json:"scopeName"`
	RoleName     string `json:"roleName"`
	PrincipalID  string `json:"principalId"`
}

// bindJSON decodes a request body, rejecting unknown fields.
func bindJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return trace.BadParameter("malformed request body: %v", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("writing response", "error", err)
	}
}

// errorBody is the transport shape of an error.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP status codes. Codes follow
// the management API contract: 422 for names that fail validation, 404/409
// for missing and duplicate entities, 409 for aborted transactions, 503 for
// an unavailable dependency.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var status int
	msg := trace.UserMessage(err)

	switch {
	case trace.IsBadParameter(err):
		status = http.StatusUnprocessableEntity
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsAlreadyExists(err):
		status = http.StatusConflict
	case trace.IsAccessDenied(err):
		status = http.StatusForbidden
	case trace.IsCompareFailed(err):
		status = http.StatusConflict
	case trace.IsConnectionProblem(err), trace.IsLimitExceeded(err):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	default:
		status = http.StatusInternalServerError
		msg = "internal error"
		s.log.Error("request failed", "error", err)
	}

	s.writeJSON(w, status, errorBody{Error: msg})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.cfg.Publisher.Discovery())
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write(s.cfg.Publisher.JWKS())
}

func (s *Server) handleResourceCreate(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.CreateResource(r.Context(), req.ResourceName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"resourceName": req.ResourceName})
}

func (s *Server) handleResourceGet(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}

	// No resource name lists every resource.
	if req.ResourceName == "" {
		names, err := s.cfg.Repository.ListResources(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string][]string{"resources": names})
		return
	}

	resource, err := s.cfg.Repository.GetResource(r.Context(), req.ResourceName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if resource == nil {
		s.writeError(w, trace.NotFound("resource %q not found", req.ResourceName))
		return
	}
	s.writeJSON(w, http.StatusOK, resource)
}

func (s *Server) handleResourceDelete(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.DeleteResource(r.Context(), req.ResourceName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleScopeCreate(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.CreateScope(r.Context(), req.ResourceName, req.ScopeName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"resourceName": req.ResourceName,
		"scopeName":    req.ScopeName,
	})
}

func (s *Server) handleScopeGet(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}

	if req.ScopeName == "" {
		names, err := s.cfg.Repository.ListScopes(r.Context(), req.ResourceName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"resourceName": req.ResourceName,
			"scopes":       names,
		})
		return
	}

	scope, err := s.cfg.Repository.GetScope(r.Context(), req.ResourceName, req.ScopeName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if scope == nil {
		s.writeError(w, trace.NotFound("scope %q not found on resource %q", req.ScopeName, req.ResourceName))
		return
	}
	s.writeJSON(w, http.StatusOK, scope)
}

func (s *Server) handleScopeDelete(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.DeleteScope(r.Context(), req.ResourceName, req.ScopeName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRoleCreate(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.CreateRole(r.Context(), req.ResourceName, req.RoleName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"resourceName": req.ResourceName,
		"roleName":     req.RoleName,
	})
}

func (s *Server) handleRoleGet(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}

	if req.RoleName == "" {
		names, err := s.cfg.Repository.ListRoles(r.Context(), req.ResourceName)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{
			"resourceName": req.ResourceName,
			"roles":        names,
		})
		return
	}

	role, err := s.cfg.Repository.GetRole(r.Context(), req.ResourceName, req.RoleName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if role == nil {
		s.writeError(w, trace.NotFound("role %q not found on resource %q", req.RoleName, req.ResourceName))
		return
	}
	s.writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleRoleDelete(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.DeleteRole(r.Context(), req.ResourceName, req.RoleName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleScopeAssignmentCreate(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.CreateScopeAssignment(r.Context(), req.PrincipalID, req.ResourceName, req.ScopeName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleScopeAssignmentGet(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}

	// A principal id lists that principal's scope grants; a resource and
	// scope list the principals holding the scope.
	if req.PrincipalID != "" {
		grants, err := s.cfg.Repository.ScopeAssignmentsForPrincipal(r.Context(), req.PrincipalID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"assignments": grants})
		return
	}

	principals, err := s.cfg.Repository.PrincipalsForScope(r.Context(), req.ResourceName, req.ScopeName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"principals": principals})
}

func (s *Server) handleScopeAssignmentDelete(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.DeleteScopeAssignment(r.Context(), req.PrincipalID, req.ResourceName, req.ScopeName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRoleAssignmentCreate(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.CreateRoleAssignment(r.Context(), req.PrincipalID, req.ResourceName, req.RoleName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handleRoleAssignmentGet(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}

	if req.PrincipalID != "" {
		grants, err := s.cfg.Repository.RoleAssignmentsForPrincipal(r.Context(), req.PrincipalID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"assignments": grants})
		return
	}

	principals, err := s.cfg.Repository.PrincipalsForRole(r.Context(), req.ResourceName, req.RoleName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"principals": principals})
}

func (s *Server) handleRoleAssignmentDelete(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.DeleteRoleAssignment(r.Context(), req.PrincipalID, req.ResourceName, req.RoleName); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}

func (s *Server) handlePrincipalAccess(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	access, err := s.cfg.Repository.GetAccess(r.Context(), req.PrincipalID, req.ResourceName, req.ScopeName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, access)
}

func (s *Server) handlePrincipalDelete(w http.ResponseWriter, r *http.Request) {
	var req entityRequest
	if err := bindJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: trace.UserMessage(err)})
		return
	}
	if err := s.cfg.Repository.DeletePrincipal(r.Context(), req.PrincipalID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, nil)
}
