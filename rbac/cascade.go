package rbac

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/nicholasjackson/iam-token-service/store"
)

// itemRef addresses one row scheduled for deletion.
type itemRef struct {
	pi string
	si string
}

// deleteInBatches removes the given rows in order, splitting into
// transactions of at most txLimit operations. The parent row, when present,
// is always the final operation of the final batch: if a multi-batch cascade
// is interrupted the parent stays addressable and the caller's delete can be
// retried.
func (r *Repository) deleteInBatches(ctx context.Context, refs []itemRef, parent *itemRef) error {
	if parent != nil {
		refs = append(refs, *parent)
	}

	for start := 0; start < len(refs); start += r.txLimit {
		end := start + r.txLimit
		if end > len(refs) {
			end = len(refs)
		}

		ops := make([]store.TxOp, 0, end-start)
		for _, ref := range refs[start:end] {
			ops = append(ops, store.TxOp{
				Kind: store.TxDelete,
				Item: store.Item{PI: ref.pi, SI: ref.si},
			})
		}
		if err := r.runTransaction(ctx, ops); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// DeleteResource removes a resource and cascades to every scope, role, and
// assignment under it. The cascade is not atomic across batches; a retry
// after an interruption resumes because the resource row is deleted last.
func (r *Repository) DeleteResource(ctx context.Context, resourceName string) error {
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}

	resource, err := r.GetResource(ctx, resourceName)
	if err != nil {
		return trace.Wrap(err)
	}
	if resource == nil {
		return trace.NotFound("resource %q not found", resourceName)
	}

	items, err := store.QueryAll(ctx, r.store, markerResource+resourceName, "")
	if err != nil {
		return trace.Wrap(err)
	}

	// Fixed cascade order: scope assignments, role assignments, scopes,
	// roles, resource row last. Assignment mirrors under each principal's
	// partition ride along with their resource-anchored view.
	var scopeAssignments, roleAssignments, scopes, roles []itemRef
	for _, item := range items {
		switch {
		case isAssignmentSI(item.SI, kindScopeAssignment):
			fields, err := decodeAssignmentSI(item.SI, markerScope, markerPrincipal)
			if err != nil {
				return trace.Wrap(err)
			}
			mirrorPI, mirrorSI := scopeAssignmentPrincipalKey(fields.second, resourceName, fields.first)
			scopeAssignments = append(scopeAssignments,
				itemRef{pi: item.PI, si: item.SI},
				itemRef{pi: mirrorPI, si: mirrorSI})
		case isAssignmentSI(item.SI, kindRoleAssignment):
			fields, err := decodeAssignmentSI(item.SI, markerRole, markerPrincipal)
			if err != nil {
				return trace.Wrap(err)
			}
			mirrorPI, mirrorSI := roleAssignmentPrincipalKey(fields.second, resourceName, fields.first)
			roleAssignments = append(roleAssignments,
				itemRef{pi: item.PI, si: item.SI},
				itemRef{pi: mirrorPI, si: mirrorSI})
		case isSI(item.SI, markerScope):
			scopes = append(scopes, itemRef{pi: item.PI, si: item.SI})
		case isSI(item.SI, markerRole):
			roles = append(roles, itemRef{pi: item.PI, si: item.SI})
		default:
			return trace.BadParameter("unexpected row %q under resource %q", item.SI, resourceName)
		}
	}

	refs := make([]itemRef, 0, len(scopeAssignments)+len(roleAssignments)+len(scopes)+len(roles))
	refs = append(refs, scopeAssignments...)
	refs = append(refs, roleAssignments...)
	refs = append(refs, scopes...)
	refs = append(refs, roles...)

	resPI, resSI := resourceKey(resourceName)
	r.log.Info("cascading resource delete", "resource", resourceName, "rows", len(refs)+1)
	return trace.Wrap(r.deleteInBatches(ctx, refs, &itemRef{pi: resPI, si: resSI}))
}

// DeleteScope removes a scope and every assignment of it, both views.
func (r *Repository) DeleteScope(ctx context.Context, resourceName, scopeName string) error {
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateScopeName(scopeName); err != nil {
		return trace.Wrap(err)
	}

	scope, err := r.GetScope(ctx, resourceName, scopeName)
	if err != nil {
		return trace.Wrap(err)
	}
	if scope == nil {
		return trace.NotFound("scope %q not found on resource %q", scopeName, resourceName)
	}

	items, err := store.QueryAll(ctx, r.store, markerResource+resourceName, scopeAssignmentsByScopePrefix(scopeName))
	if err != nil {
		return trace.Wrap(err)
	}

	var refs []itemRef
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerScope, markerPrincipal)
		if err != nil {
			return trace.Wrap(err)
		}
		mirrorPI, mirrorSI := scopeAssignmentPrincipalKey(fields.second, resourceName, scopeName)
		refs = append(refs,
			itemRef{pi: item.PI, si: item.SI},
			itemRef{pi: mirrorPI, si: mirrorSI})
	}

	scpPI, scpSI := scopeKey(resourceName, scopeName)
	return trace.Wrap(r.deleteInBatches(ctx, refs, &itemRef{pi: scpPI, si: scpSI}))
}

// DeleteRole removes a role and every assignment of it, both views.
func (r *Repository) DeleteRole(ctx context.Context, resourceName, roleName string) error {
	if err := validateResourceName(resourceName); err != nil {
		return trace.Wrap(err)
	}
	if err := validateRoleName(roleName); err != nil {
		return trace.Wrap(err)
	}

	role, err := r.GetRole(ctx, resourceName, roleName)
	if err != nil {
		return trace.Wrap(err)
	}
	if role == nil {
		return trace.NotFound("role %q not found on resource %q", roleName, resourceName)
	}

	items, err := store.QueryAll(ctx, r.store, markerResource+resourceName, roleAssignmentsByRolePrefix(roleName))
	if err != nil {
		return trace.Wrap(err)
	}

	var refs []itemRef
	for _, item := range items {
		fields, err := decodeAssignmentSI(item.SI, markerRole, markerPrincipal)
		if err != nil {
			return trace.Wrap(err)
		}
		mirrorPI, mirrorSI := roleAssignmentPrincipalKey(fields.second, resourceName, roleName)
		refs = append(refs,
			itemRef{pi: item.PI, si: item.SI},
			itemRef{pi: mirrorPI, si: mirrorSI})
	}

	rolPI, rolSI := roleKey(resourceName, roleName)
	return trace.Wrap(r.deleteInBatches(ctx, refs, &itemRef{pi: rolPI, si: rolSI}))
}

// DeletePrincipal removes every assignment referencing the principal. There
// is no principal row to delete, so an unknown principal is a no-op.
func (r *Repository) DeletePrincipal(ctx context.Context, principalID string) error {
	if err := validatePrincipalID(principalID); err != nil {
		return trace.Wrap(err)
	}

	items, err := store.QueryAll(ctx, r.store, markerPrincipal+principalID, "")
	if err != nil {
		return trace.Wrap(err)
	}
	if len(items) == 0 {
		return nil
	}

	var refs []itemRef
	for _, item := range items {
		switch {
		case isAssignmentSI(item.SI, kindScopeAssignment):
			fields, err := decodeAssignmentSI(item.SI, markerResource, markerScope)
			if err != nil {
				return trace.Wrap(err)
			}
			mirrorPI, mirrorSI := scopeAssignmentResourceKey(principalID, fields.first, fields.second)
			refs = append(refs,
				itemRef{pi: item.PI, si: item.SI},
				itemRef{pi: mirrorPI, si: mirrorSI})
		case isAssignmentSI(item.SI, kindRoleAssignment):
			fields, err := decodeAssignmentSI(item.SI, markerResource, markerRole)
			if err != nil {
				return trace.Wrap(err)
			}
			mirrorPI, mirrorSI := roleAssignmentResourceKey(principalID, fields.first, fields.second)
			refs = append(refs,
				itemRef{pi: item.PI, si: item.SI},
				itemRef{pi: mirrorPI, si: mirrorSI})
		default:
			return trace.BadParameter("unexpected row %q under principal %q", item.SI, principalID)
		}
	}

	r.log.Info("cascading principal delete", "principal", principalID, "rows", len(refs))
	return trace.Wrap(r.deleteInBatches(ctx, refs, nil))
}

// isSI reports whether a sort key carries the given marker but is not a
// compound assignment key.
func isSI(si, marker string) bool {
	return len(si) > len(marker) && si[:len(marker)] == marker
}
