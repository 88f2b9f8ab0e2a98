package rbac

import (
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/gravitational/trace"
)

// DefaultScope is the reserved request-time sentinel meaning "every scope the
// principal currently holds on the resource". It can never be created as a
// real scope.
const DefaultScope = ".default"

var (
	// Resources are audience URIs, e.g. api://payments.
	resourceNameRegex = regexp.MustCompile(`^api://[A-Za-z0-9][A-Za-z0-9._/-]*$`)

	// Scopes and roles are short dotted tokens, e.g. rbac.read, production.
	shortNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)
)

// validateResourceName checks the audience-URI grammar for resource names.
func validateResourceName(name string) error {
	if name == "" {
		return trace.BadParameter("resourceName is required")
	}
	if strings.Contains(name, fieldSeparator) || !resourceNameRegex.MatchString(name) {
		return trace.BadParameter("resourceName %q must be an api:// audience URI", name)
	}
	return nil
}

// validateScopeName checks the scope grammar and rejects the reserved
// .default literal, which is only valid as a query parameter.
func validateScopeName(name string) error {
	if name == "" {
		return trace.BadParameter("scopeName is required")
	}
	if name == DefaultScope {
		return trace.BadParameter("scopeName %q is reserved", DefaultScope)
	}
	if !shortNameRegex.MatchString(name) {
		return trace.BadParameter("scopeName %q has an invalid format", name)
	}
	return nil
}

// validateRoleName checks the role grammar.
func validateRoleName(name string) error {
	if name == "" {
		return trace.BadParameter("roleName is required")
	}
	if !shortNameRegex.MatchString(name) {
		return trace.BadParameter("roleName %q has an invalid format", name)
	}
	return nil
}

// validatePrincipalID requires a parseable AWS ARN.
func validatePrincipalID(id string) error {
	if id == "" {
		return trace.BadParameter("principalId is required")
	}
	if strings.Contains(id, fieldSeparator) {
		return trace.BadParameter("principalId %q has an invalid format", id)
	}
	if !arn.IsARN(id) {
		return trace.BadParameter("principalId %q must be an AWS ARN", id)
	}
	return nil
}
