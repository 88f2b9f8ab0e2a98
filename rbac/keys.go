package rbac

import (
	"strings"

	"github.com/gravitational/trace"
)

// The RBAC table stores every entity under a composite (partition, sort) key
// pair. Marker prefixes tag each field and compound sort keys join their
// marker-prefixed fragments with a fixed double-separator that can never
// appear inside a valid name.
const (
	markerResource  = "RESOURCE#"
	markerScope     = "SCOPE#"
	markerRole      = "ROLE#"
	markerPrincipal = "PRINCIPAL#"

	kindScopeAssignment = "SCOPEASSIGNMENT"
	kindRoleAssignment  = "ROLEASSIGNMENT"

	fieldSeparator = "##"
)

// resourcePartition is the partition that holds the resource rows themselves.
func resourcePartition() string {
	return markerResource
}

// resourceKey returns the (PI, SI) pair for a resource row.
func resourceKey(resourceName string) (string, string) {
	return markerResource, markerResource + resourceName
}

// scopeKey returns the (PI, SI) pair for a scope row under its resource.
func scopeKey(resourceName, scopeName string) (string, string) {
	return markerResource + resourceName, markerScope + scopeName
}

// roleKey returns the (PI, SI) pair for a role row under its resource.
func roleKey(resourceName, roleName string) (string, string) {
	return markerResource + resourceName, markerRole + roleName
}

// scopeAssignmentPrincipalKey returns the principal-anchored view of a scope
// assignment.
func scopeAssignmentPrincipalKey(principalID, resourceName, scopeName string) (string, string) {
	si := strings.Join([]string{
		kindScopeAssignment,
		markerResource + resourceName,
		markerScope + scopeName,
	}, fieldSeparator)
	return markerPrincipal + principalID, si
}

// scopeAssignmentResourceKey returns the resource-anchored view of a scope
// assignment.
func scopeAssignmentResourceKey(principalID, resourceName, scopeName string) (string, string) {
	si := strings.Join([]string{
		kindScopeAssignment,
		markerScope + scopeName,
		markerPrincipal + principalID,
	}, fieldSeparator)
	return markerResource + resourceName, si
}

// roleAssignmentPrincipalKey returns the principal-anchored view of a role
// assignment.
func roleAssignmentPrincipalKey(principalID, resourceName, roleName string) (string, string) {
	si := strings.Join([]string{
		kindRoleAssignment,
		markerResource + resourceName,
		markerRole + roleName,
	}, fieldSeparator)
	return markerPrincipal + principalID, si
}

// roleAssignmentResourceKey returns the resource-anchored view of a role
// assignment.
func roleAssignmentResourceKey(principalID, resourceName, roleName string) (string, string) {
	si := strings.Join([]string{
		kindRoleAssignment,
		markerRole + roleName,
		markerPrincipal + principalID,
	}, fieldSeparator)
	return markerResource + resourceName, si
}

// Prefix builders used by range queries.

func scopePrefix() string { return markerScope }

func rolePrefix() string { return markerRole }

// scopeAssignmentsByResourcePrefix matches all principal-anchored scope
// assignments for one resource: SCOPEASSIGNMENT##RESOURCE#{r}##
func scopeAssignmentsByResourcePrefix(resourceName string) string {
	return kindScopeAssignment + fieldSeparator + markerResource + resourceName + fieldSeparator
}

// roleAssignmentsByResourcePrefix matches all principal-anchored role
// assignments for one resource: ROLEASSIGNMENT##RESOURCE#{r}##
func roleAssignmentsByResourcePrefix(resourceName string) string {
	return kindRoleAssignment + fieldSeparator + markerResource + resourceName + fieldSeparator
}

// scopeAssignmentsByScopePrefix matches all resource-anchored assignments of
// one scope: SCOPEASSIGNMENT##SCOPE#{s}##
func scopeAssignmentsByScopePrefix(scopeName string) string {
	return kindScopeAssignment + fieldSeparator + markerScope + scopeName + fieldSeparator
}

// roleAssignmentsByRolePrefix matches all resource-anchored assignments of
// one role: ROLEASSIGNMENT##ROLE#{ro}##
func roleAssignmentsByRolePrefix(roleName string) string {
	return kindRoleAssignment + fieldSeparator + markerRole + roleName + fieldSeparator
}

// decodeField strips the expected marker from a sort-key fragment.
func decodeField(fragment, marker string) (string, error) {
	if !strings.HasPrefix(fragment, marker) {
		return "", trace.BadParameter("malformed sort key fragment %q, expected marker %q", fragment, marker)
	}
	return strings.TrimPrefix(fragment, marker), nil
}

// decodeResourceSI extracts the resource name from a resource row sort key.
func decodeResourceSI(si string) (string, error) {
	return decodeField(si, markerResource)
}

// decodeScopeSI extracts the scope name from a scope row sort key.
func decodeScopeSI(si string) (string, error) {
	return decodeField(si, markerScope)
}

// decodeRoleSI extracts the role name from a role row sort key.
func decodeRoleSI(si string) (string, error) {
	return decodeField(si, markerRole)
}

// assignmentFields holds the names embedded in an assignment sort key, in
// the order they appear.
type assignmentFields struct {
	kind   string
	first  string
	second string
}

// decodeAssignmentSI splits a compound assignment sort key into its kind tag
// and two marker-stripped fields. Callers know the field order from the
// partition the row was read from.
func decodeAssignmentSI(si string, firstMarker, secondMarker string) (*assignmentFields, error) {
	parts := strings.Split(si, fieldSeparator)
	if len(parts) != 3 {
		return nil, trace.BadParameter("malformed assignment sort key %q", si)
	}
	if parts[0] != kindScopeAssignment && parts[0] != kindRoleAssignment {
		return nil, trace.BadParameter("unknown assignment kind in sort key %q", si)
	}

	first, err := decodeField(parts[1], firstMarker)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	second, err := decodeField(parts[2], secondMarker)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &assignmentFields{kind: parts[0], first: first, second: second}, nil
}

// isAssignmentSI reports whether a sort key belongs to an assignment row of
// the given kind.
func isAssignmentSI(si, kind string) bool {
	return strings.HasPrefix(si, kind+fieldSeparator)
}
