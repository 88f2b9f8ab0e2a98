// Package rbac implements the authorization engine: CRUD over resources,
// scopes, roles and their principal assignments in one dual-indexed table,
// and the principal-access query that gates roles on scope membership.
package rbac

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"

	"github.com/nicholasjackson/iam-token-service/store"
)

// Resource is a protected audience identified by an api:// URI.
type Resource struct {
	Name      string    `json:"resourceName"`
	CreatedAt time.Time `json:"createdAt"`
}

// Scope is a named authorization boundary under a resource.
type Scope struct {
	ResourceName string    `json:"resourceName"`
	Name         string    `json:"scopeName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Role is a named permission set under a resource.
type Role struct {
	ResourceName string    `json:"resourceName"`
	Name         string    `json:"roleName"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ScopeGrant names one scope a principal holds on a resource.
type ScopeGrant struct {
	ResourceName string `json:"resourceName"`
	ScopeName    string `json:"scopeName"`
}

// RoleGrant names one role a principal holds on a resource.
type RoleGrant struct {
	ResourceName string `json:"resourceName"`
	RoleName     string `json:"roleName"`
}

// Repository owns all reads and writes against the RBAC table.
type Repository struct {
	store store.Store
	log   hclog.Logger
	clock func() time.Time

	// txLimit caps operations per transaction; kept as a field so cascade
	// batching is testable without thousands of rows.
	txLimit int
}

// NewRepository returns a repository over the given store.
func NewRepository(s store.Store, log hclog.Logger) *Repository {
	return &Repository{
		store:   s,
		log:     log.Named("rbac"),
		clock:   time.Now,
		txLimit: store.MaxTransactOps,
	}
}

// rowValue is the JSON document stored with every row.
type rowValue struct {
	CreatedAt time.Time `json:"created_at"`
}

func (r *Repository) newValue() []byte {
	b, _ := json.Marshal(rowValue{CreatedAt: r.clock().UTC()})
	return b
}

func createdAt(value []byte) time.Time {
	var v rowValue
	if err := json.Unmarshal(value, &v); err != nil {
		return time.Time{}
	}
	return v.CreatedAt
}

// CreateResource creates a resource. Re-creating an existing resource
// returns AlreadyExists.
func (r *Repository) CreateResource(ctx context.Context, resourceName string) error {
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}

	pi, si := resourceKey(resourceName)
	err := r.store.Put(ctx, store.Item{PI: pi, SI: si, Value: r.newValue()}, store.PutMustNotExist)
	if trace.IsAlreadyExists(err) {
		return trace.AlreadyExists("resource %q already exists", resourceName)
	}
	return trace.Wrap(err)
}

// GetResource fetches a resource, returning nil if it does not exist.
func (r *Repository) GetResource(ctx context.Context, resourceName string) (*Resource, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}

	pi, si := resourceKey(resourceName)
	item, err := r.store.Get(ctx, pi, si)
	if err != nil || item == nil {
		return nil, trace.Wrap(err)
	}
	return &Resource{Name: resourceName, CreatedAt: createdAt(item.Value)}, nil
}

// ListResources returns every resource name, ascending.
func (r *Repository) ListResources(ctx context.Context) ([]string, error) {
	items, err := store.QueryAll(ctx, r.store, resourcePartition(), markerResource)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		name, err := decodeResourceSI(item.SI)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		names = append(names, name)
	}
	return names, nil
}

// CreateScope creates a scope under an existing resource.
func (r *Repository) CreateScope(ctx context.Context, resourceName, scopeName string) error {
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateScopeName(scopeName); err != nil {
		return trace.Wrap(err)
	}

	resPI, resSI := resourceKey(resourceName)
	pi, si := scopeKey(resourceName, scopeName)
	err := r.runTransaction(ctx, []store.TxOp{
		{Kind: store.TxConditionCheck, Item: store.Item{PI: resPI, SI: resSI}, Condition: store.PutMustExist},
		{Kind: store.TxPut, Item: store.Item{PI: pi, SI: si, Value: r.newValue()}, Condition: store.PutMustNotExist},
	})
	if txErr := asTransactionError(err); txErr != nil {
		if txErr.failedAt(0) {
			return trace.NotFound("resource %q not found", resourceName)
		}
		return trace.AlreadyExists("scope %q already exists on resource %q", scopeName, resourceName)
	}
	return trace.Wrap(err)
}

// GetScope fetches a scope, returning nil if it does not exist.
func (r *Repository) GetScope(ctx context.Context, resourceName, scopeName string) (*Scope, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateScopeName(scopeName); err != nil {
		return nil, trace.Wrap(err)
	}

	pi, si := scopeKey(resourceName, scopeName)
	item, err := r.store.Get(ctx, pi, si)
	if err != nil || item == nil {
		return nil, trace.Wrap(err)
	}
	return &Scope{ResourceName: resourceName, Name: scopeName, CreatedAt: createdAt(item.Value)}, nil
}

// ListScopes returns the scope names under a resource, ascending.
func (r *Repository) ListScopes(ctx context.Context, resourceName string) ([]string, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}

	pi, _ := scopeKey(resourceName, "ignored")
	items, err := store.QueryAll(ctx, r.store, pi, scopePrefix())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		name, err := decodeScopeSI(item.SI)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		names = append(names, name)
	}
	return names, nil
}

// CreateRole creates a role under an existing resource.
func (r *Repository) CreateRole(ctx context.Context, resourceName, roleName string) error {
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateRoleName(roleName); err != nil {
		return trace.Wrap(err)
	}

	resPI, resSI := resourceKey(resourceName)
	pi, si := roleKey(resourceName, roleName)
	err := r.runTransaction(ctx, []store.TxOp{
		{Kind: store.TxConditionCheck, Item: store.Item{PI: resPI, SI: resSI}, Condition: store.PutMustExist},
		{Kind: store.TxPut, Item: store.Item{PI: pi, SI: si, Value: r.newValue()}, Condition: store.PutMustNotExist},
	})
	if txErr := asTransactionError(err); txErr != nil {
		if txErr.failedAt(0) {
			return trace.NotFound("resource %q not found", resourceName)
		}
		return trace.AlreadyExists("role %q already exists on resource %q", roleName, resourceName)
	}
	return trace.Wrap(err)
}

// GetRole fetches a role, returning nil if it does not exist.
func (r *Repository) GetRole(ctx context.Context, resourceName, roleName string) (*Role, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateRoleName(roleName); err != nil {
		return nil, trace.Wrap(err)
	}

	pi, si := roleKey(resourceName, roleName)
	item, err := r.store.Get(ctx, pi, si)
	if err != nil || item == nil {
		return nil, trace.Wrap(err)
	}
	return &Role{ResourceName: resourceName, Name: roleName, CreatedAt: createdAt(item.Value)}, nil
}

// ListRoles returns the role names under a resource, ascending.
func (r *Repository) ListRoles(ctx context.Context, resourceName string) ([]string, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}

	pi, _ := roleKey(resourceName, "ignored")
	items, err := store.QueryAll(ctx, r.store, pi, rolePrefix())
	if err != nil {
		return nil, trace.Wrap(err)
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		name, err := decodeRoleSI(item.SI)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		names = append(names, name)
	}
	return names, nil
}

// CreateScopeAssignment binds a principal to a scope. Both views are written
// in one transaction so readers never observe a half-written assignment.
func (r *Repository) CreateScopeAssignment(ctx context.Context, principalID, resourceName, scopeName string) error {
	if err := validatePrincipalID(principalID); err != nil {
		return trace.Wrap(err)
	}
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateScopeName(scopeName); err != nil {
		return trace.Wrap(err)
	}

	resPI, resSI := resourceKey(resourceName)
	scpPI, scpSI := scopeKey(resourceName, scopeName)
	prPI, prSI := scopeAssignmentPrincipalKey(principalID, resourceName, scopeName)
	rsPI, rsSI := scopeAssignmentResourceKey(principalID, resourceName, scopeName)

	value := r.newValue()
	err := r.runTransaction(ctx, []store.TxOp{
		{Kind: store.TxConditionCheck, Item: store.Item{PI: resPI, SI: resSI}, Condition: store.PutMustExist},
		{Kind: store.TxConditionCheck, Item: store.Item{PI: scpPI, SI: scpSI}, Condition: store.PutMustExist},
		{Kind: store.TxPut, Item: store.Item{PI: prPI, SI: prSI, Value: value}, Condition: store.PutMustNotExist},
		{Kind: store.TxPut, Item: store.Item{PI: rsPI, SI: rsSI, Value: value}, Condition: store.PutMustNotExist},
	})
	if txErr := asTransactionError(err); txErr != nil {
		switch {
		case txErr.failedAt(0):
			return trace.NotFound("resource %q not found", resourceName)
		case txErr.failedAt(1):
			return trace.NotFound("scope %q not found on resource %q", scopeName, resourceName)
		default:
			return trace.AlreadyExists("scope %q is already assigned to %q on resource %q", scopeName, principalID, resourceName)
		}
	}
	return trace.Wrap(err)
}

// DeleteScopeAssignment removes both views of a scope assignment. A missing
// view is tolerated so repair of a previously interrupted cascade succeeds.
func (r *Repository) DeleteScopeAssignment(ctx context.Context, principalID, resourceName, scopeName string) error {
	if err := validatePrincipalID(principalID); err != nil {
		return trace.Wrap(err)
	}
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateScopeName(scopeName); err != nil {
		return trace.Wrap(err)
	}

	prPI, prSI := scopeAssignmentPrincipalKey(principalID, resourceName, scopeName)
	rsPI, rsSI := scopeAssignmentResourceKey(principalID, resourceName, scopeName)
	return trace.Wrap(r.runTransaction(ctx, []store.TxOp{
		{Kind: store.TxDelete, Item: store.Item{PI: prPI, SI: prSI}},
		{Kind: store.TxDelete, Item: store.Item{PI: rsPI, SI: rsSI}},
	}))
}

// CreateRoleAssignment binds a principal to a role.
func (r *Repository) CreateRoleAssignment(ctx context.Context, principalID, resourceName, roleName string) error {
	if err := validatePrincipalID(principalID); err != nil {
		return trace.Wrap(err)
	}
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateRoleName(roleName); err != nil {
		return trace.Wrap(err)
	}

	resPI, resSI := resourceKey(resourceName)
	rolPI, rolSI := roleKey(resourceName, roleName)
	prPI, prSI := roleAssignmentPrincipalKey(principalID, resourceName, roleName)
	rsPI, rsSI := roleAssignmentResourceKey(principalID, resourceName, roleName)

	value := r.newValue()
	err := r.runTransaction(ctx, []store.TxOp{
		{Kind: store.TxConditionCheck, Item: store.Item{PI: resPI, SI: resSI}, Condition: store.PutMustExist},
		{Kind: store.TxConditionCheck, Item: store.Item{PI: rolPI, SI: rolSI}, Condition: store.PutMustExist},
		{Kind: store.TxPut, Item: store.Item{PI: prPI, SI: prSI, Value: value}, Condition: store.PutMustNotExist},
		{Kind: store.TxPut, Item: store.Item{PI: rsPI, SI: rsSI, Value: value}, Condition: store.PutMustNotExist},
	})
	if txErr := asTransactionError(err); txErr != nil {
		switch {
		case txErr.failedAt(0):
			return trace.NotFound("resource %q not found", resourceName)
		case txErr.failedAt(1):
			return trace.NotFound("role %q not found on resource %q", roleName, resourceName)
		default:
			return trace.AlreadyExists("role %q is already assigned to %q on resource %q", roleName, principalID, resourceName)
		}
	}
	return trace.Wrap(err)
}

// DeleteRoleAssignment removes both views of a role assignment.
func (r *Repository) DeleteRoleAssignment(ctx context.Context, principalID, resourceName, roleName string) error {
	if err := validatePrincipalID(principalID); err != nil {
		return trace.Wrap(err)
	}
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateRoleName(roleName); err != nil {
		return trace.Wrap(err)
	}

	prPI, prSI := roleAssignmentPrincipalKey(principalID, resourceName, roleName)
	rsPI, rsSI := roleAssignmentResourceKey(principalID, resourceName, roleName)
	return trace.Wrap(r.runTransaction(ctx, []store.TxOp{
		{Kind: store.TxDelete, Item: store.Item{PI: prPI, SI: prSI}},
		{Kind: store.TxDelete, Item: store.Item{PI: rsPI, SI: rsSI}},
	}))
}

// ScopeAssignmentsForPrincipal lists every scope the principal holds, across
// all resources, from the principal-anchored index.
func (r *Repository) ScopeAssignmentsForPrincipal(ctx context.Context, principalID string) ([]ScopeGrant, error) {
	if err := validatePrincipalID(principalID); err != nil {
		return nil, trace.Wrap(err)
	}

	items, err := store.QueryAll(ctx, r.store, markerPrincipal+principalID, kindScopeAssignment+fieldSeparator)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	grants := make([]ScopeGrant, 0, len(items))
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerResource, markerScope)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		grants = append(grants, ScopeGrant{ResourceName: fields.first, ScopeName: fields.second})
	}
	return grants, nil
}

// RoleAssignmentsForPrincipal lists every role the principal holds, across
// all resources.
func (r *Repository) RoleAssignmentsForPrincipal(ctx context.Context, principalID string) ([]RoleGrant, error) {
	if err := validatePrincipalID(principalID); err != nil {
		return nil, trace.Wrap(err)
	}

	items, err := store.QueryAll(ctx, r.store, markerPrincipal+principalID, kindRoleAssignment+fieldSeparator)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	grants := make([]RoleGrant, 0, len(items))
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerResource, markerRole)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		grants = append(grants, RoleGrant{ResourceName: fields.first, RoleName: fields.second})
	}
	return grants, nil
}

// PrincipalsForScope lists every principal holding the scope, from the
// resource-anchored index.
func (r *Repository) PrincipalsForScope(ctx context.Context, resourceName, scopeName string) ([]string, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateScopeName(scopeName); err != nil {
		return nil, trace.Wrap(err)
	}

	items, err := store.QueryAll(ctx, r.store, markerResource+resourceName, scopeAssignmentsByScopePrefix(scopeName))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	principals := make([]string, 0, len(items))
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerScope, markerPrincipal)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		principals = append(principals, fields.second)
	}
	return principals, nil
}

// PrincipalsForRole lists every principal holding the role.
func (r *Repository) PrincipalsForRole(ctx context.Context, resourceName, roleName string) ([]string, error) {
	if err := validateResourceName(resourceName); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := validateRoleName(roleName); err != nil {
		return nil, trace.Wrap(err)
	}

	items, err := store.QueryAll(ctx, r.store, markerResource+resourceName, roleAssignmentsByRolePrefix(roleName))
	if err != nil {
		return nil, trace.Wrap(err)
	}

	principals := make([]string, 0, len(items))
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerRole, markerPrincipal)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		principals = append(principals, fields.second)
	}
	return principals, nil
}
