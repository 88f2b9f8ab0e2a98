package rbac

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScopeAssignmentKeys_Roundtrip tests that both views of an assignment
// decode back to the names that built them
func TestScopeAssignmentKeys_Roundtrip(t *testing.T) {
	principal := "arn:aws:iam::123456789012:role/reader"
	resource := "api://payments"
	scope := "payments.read"

	pi, si := scopeAssignmentPrincipalKey(principal, resource, scope)
	require.Equal(t, "PRINCIPAL#"+principal, pi)
	require.Equal(t, "SCOPEASSIGNMENT##RESOURCE#api://payments##SCOPE#payments.read", si)

	fields, err := decodeAssignmentSI(si, markerResource, markerScope)
	require.NoError(t, err)
	require.Equal(t, kindScopeAssignment, fields.kind)
	require.Equal(t, resource, fields.first)
	require.Equal(t, scope, fields.second)

	pi, si = scopeAssignmentResourceKey(principal, resource, scope)
	require.Equal(t, "RESOURCE#api://payments", pi)
	require.Equal(t, "SCOPEASSIGNMENT##SCOPE#payments.read##PRINCIPAL#"+principal, si)

	fields, err = decodeAssignmentSI(si, markerScope, markerPrincipal)
	require.NoError(t, err)
	require.Equal(t, scope, fields.first)
	require.Equal(t, principal, fields.second)
}

// TestRoleAssignmentKeys_Roundtrip tests the role assignment key pair
func TestRoleAssignmentKeys_Roundtrip(t *testing.T) {
	principal := "arn:aws:iam::123456789012:role/admin"
	resource := "api://payments"
	role := "approver"

	_, si := roleAssignmentPrincipalKey(principal, resource, role)
	fields, err := decodeAssignmentSI(si, markerResource, markerRole)
	require.NoError(t, err)
	require.Equal(t, kindRoleAssignment, fields.kind)
	require.Equal(t, resource, fields.first)
	require.Equal(t, role, fields.second)

	_, si = roleAssignmentResourceKey(principal, resource, role)
	fields, err = decodeAssignmentSI(si, markerRole, markerPrincipal)
	require.NoError(t, err)
	require.Equal(t, role, fields.first)
	require.Equal(t, principal, fields.second)
}

// TestDecodeAssignmentSI_Malformed tests rejection of corrupted sort keys
func TestDecodeAssignmentSI_Malformed(t *testing.T) {
	cases := []string{
		"SCOPEASSIGNMENT##RESOURCE#api://a",                // two fragments
		"BOGUS##RESOURCE#api://a##SCOPE#read",              // unknown kind
		"SCOPEASSIGNMENT##SCOPE#read##RESOURCE#api://a",    // swapped markers
		"SCOPEASSIGNMENT##RESOURCE#a##SCOPE#r##PRINCIPAL#p", // four fragments
	}
	for _, si := range cases {
		_, err := decodeAssignmentSI(si, markerResource, markerScope)
		require.Error(t, err, "should reject %q", si)
	}
}

// TestQueryPrefixes tests that the range-query prefixes match what the key
// builders produce
func TestQueryPrefixes(t *testing.T) {
	principal := "arn:aws:iam::123456789012:role/reader"

	_, si := scopeAssignmentPrincipalKey(principal, "api://payments", "read")
	require.Contains(t, si, scopeAssignmentsByResourcePrefix("api://payments"))
	require.True(t, isAssignmentSI(si, kindScopeAssignment))

	_, si = scopeAssignmentResourceKey(principal, "api://payments", "read")
	require.Contains(t, si, scopeAssignmentsByScopePrefix("read"))

	_, si = roleAssignmentResourceKey(principal, "api://payments", "approver")
	require.Contains(t, si, roleAssignmentsByRolePrefix("approver"))

	// A scope row must not be mistaken for a scope assignment row.
	_, scopeSI := scopeKey("api://payments", "read")
	require.False(t, isAssignmentSI(scopeSI, kindScopeAssignment))
	require.True(t, isSI(scopeSI, markerScope))
}

// TestValidateNames tests the name grammars
func TestValidateNames(t *testing.T) {
	require.NoError(t, validateResourceName("api://payments"))
	require.NoError(t, validateResourceName("api://billing/v2"))
	require.Error(t, validateResourceName(""))
	require.Error(t, validateResourceName("payments"))
	require.Error(t, validateResourceName("api://pay##ments"))

	require.NoError(t, validateScopeName("payments.read"))
	require.Error(t, validateScopeName(""))
	require.Error(t, validateScopeName(DefaultScope), "the request-time sentinel can never be a real scope")
	require.Error(t, validateScopeName("Payments.Read"))

	require.NoError(t, validateRoleName("approver"))
	require.Error(t, validateRoleName("has space"))

	require.NoError(t, validatePrincipalID("arn:aws:iam::123456789012:role/reader"))
	require.Error(t, validatePrincipalID(""))
	require.Error(t, validatePrincipalID("not-an-arn"))
}
