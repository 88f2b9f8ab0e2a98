package rbac

import (
	"context"
	"sort"

	"github.com/gravitational/trace"

	"github.com/nicholasjackson/iam-token-service/store"
)

// Access is the answer to "what can this principal do on this resource".
type Access struct {
	ResourceName string   `json:"resourceName"`
	Scopes       []string `json:"scopes"`
	Roles        []string `json:"roles"`
}

// GetAccess resolves the scopes and roles a principal holds on a resource.
// scopeName narrows the answer to one scope; empty or the reserved .default
// sentinel means every scope the principal holds.
//
// Roles are gated on scope membership: a principal with no scope assignment
// on the resource gets no roles, whatever role assignments it holds. This is
// the central authorization rule; every caller that needs an authorization
// decision goes through this method.
func (r *Repository) GetAccess(ctx context.Context, principalID, resourceName, scopeName string) (*Access, error) {
	if err := validatePrincipalID(principalID); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}

	resource, err := r.GetResource(ctx, resourceName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resource == nil {
		return nil, trace.NotFound("resource %q not found", resourceName)
	}

	if scopeName != "" && scopeName != DefaultScope {
		if err := validateScopeName(scopeName); err != nil {
			return nil, trace.Wrap(err)
		}
		scope, err := r.GetScope(ctx, resourceName, scopeName)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if scope == nil {
			return nil, trace.NotFound("scope %q not found on resource %q", scopeName, resourceName)
		}
	}

	scopes, err := r.principalScopesOnResource(ctx, principalID, resourceName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	roles, err := r.principalRolesOnResource(ctx, principalID, resourceName)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	access := &Access{ResourceName: resourceName, Scopes: []string{}, Roles: []string{}}

	// Scope gating: no scope assignment on the resource means no roles.
	if len(scopes) == 0 {
		return access, nil
	}

	if scopeName != "" && scopeName != DefaultScope {
		if !containsString(scopes, scopeName) {
			return access, nil
		}
		scopes = []string{scopeName}
	}

	sort.Strings(scopes)
	sort.Strings(roles)
	access.Scopes = scopes
	access.Roles = roles
	return access, nil
}

// principalScopesOnResource reads the principal-anchored scope assignments
// for one resource. Rows whose scope was removed by an interrupted cascade
// still appear here; they are harmless because the roles they would unlock
// answer to the same scope set.
func (r *Repository) principalScopesOnResource(ctx context.Context, principalID, resourceName string) ([]string, error) {
	items, err := store.QueryAll(ctx, r.store, markerPrincipal+principalID, scopeAssignmentsByResourcePrefix(resourceName))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	scopes := make([]string, 0, len(items))
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerResource, markerScope)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		scopes = append(scopes, fields.second)
	}
	return scopes, nil
}

// principalRolesOnResource reads the principal-anchored role assignments for
// one resource.
func (r *Repository) principalRolesOnResource(ctx context.Context, principalID, resourceName string) ([]string, error) {
	items, err := store.QueryAll(ctx, r.store, markerPrincipal+principalID, roleAssignmentsByResourcePrefix(resourceName))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	roles := make([]string, 0, len(items))
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerResource, markerRole)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		roles = append(roles, fields.second)
	}
	return roles, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
