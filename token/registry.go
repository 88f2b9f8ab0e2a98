// Package token holds the signing key registry, the KMS-backed JWT signer,
// and the JWKS/discovery publisher. Private key material never leaves KMS;
// the service only ever handles key identifiers and public keys.
package token

import (
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/gravitational/trace"
)

// SigningKey is one KMS key the issuer can sign with or has signed with.
type SigningKey struct {
	// ARN is the full KMS key ARN, resolvable by the key service.
	ARN string
	// Region is the AWS region parsed out of the ARN.
	Region string
	// Kid is the stable identifier published in JWKS and embedded in the
	// JWT header: the trailing key-id segment of the ARN.
	Kid string
}

// Registry maps the issuer's configured keys to signing decisions. It is
// validated once at construction and read-only afterwards.
type Registry struct {
	def       SigningKey
	regional  map[string]SigningKey
	secondary []SigningKey
}

// NewRegistry parses and validates the configured key set. Validation is one
// pass that collects every violation so operators see all configuration
// problems at once.
func NewRegistry(defaultKey string, regionalKeys, secondaryKeys []string) (*Registry, error) {
	var errs []error

	def, err := parseSigningKey(defaultKey)
	if err != nil {
		errs = append(errs, trace.Wrap(err, "default key"))
	}

	regional := make(map[string]SigningKey, len(regionalKeys))
	seenRegional := make(map[string]bool, len(regionalKeys))
	for _, id := range regionalKeys {
		key, err := parseSigningKey(id)
		if err != nil {
			errs = append(errs, trace.Wrap(err, "regional key"))
			continue
		}
		if id == defaultKey {
			errs = append(errs, trace.BadParameter("default key specified as regional: %s", id))
			continue
		}
		if seenRegional[id] {
			errs = append(errs, trace.BadParameter("duplicate regional key: %s", id))
			continue
		}
		seenRegional[id] = true
		if _, taken := regional[key.Region]; taken {
			errs = append(errs, trace.BadParameter("region %s has more than one regional key", key.Region))
			continue
		}
		regional[key.Region] = key
	}

	var secondary []SigningKey
	seenSecondary := make(map[string]bool, len(secondaryKeys))
	for _, id := range secondaryKeys {
		key, err := parseSigningKey(id)
		if err != nil {
			errs = append(errs, trace.Wrap(err, "secondary key"))
			continue
		}
		if id == defaultKey {
			errs = append(errs, trace.BadParameter("default key specified as secondary: %s", id))
			continue
		}
		if seenRegional[id] {
			errs = append(errs, trace.BadParameter("regional key specified as secondary: %s", id))
			continue
		}
		if seenSecondary[id] {
			errs = append(errs, trace.BadParameter("duplicate secondary key: %s", id))
			continue
		}
		seenSecondary[id] = true
		secondary = append(secondary, key)
	}

	if len(errs) > 0 {
		return nil, trace.NewAggregate(errs...)
	}
	return &Registry{def: def, regional: regional, secondary: secondary}, nil
}

// parseSigningKey validates a KMS key ARN and extracts its region and kid.
func parseSigningKey(id string) (SigningKey, error) {
	parsed, err := arn.Parse(id)
	if err != nil {
		return SigningKey{}, trace.BadParameter("invalid key identifier %q: %v", id, err)
	}
	if parsed.Service != "kms" {
		return SigningKey{}, trace.BadParameter("key identifier %q is not a KMS ARN", id)
	}
	if parsed.Region == "" {
		return SigningKey{}, trace.BadParameter("key identifier %q carries no region", id)
	}
	if !strings.HasPrefix(parsed.Resource, "key/") {
		return SigningKey{}, trace.BadParameter("key identifier %q does not reference a key", id)
	}

	return SigningKey{
		ARN:    id,
		Region: parsed.Region,
		Kid:    strings.TrimPrefix(parsed.Resource, "key/"),
	}, nil
}

// PickSigningKey returns the regional key for the given region, falling back
// to the default key. Pure lookup, no I/O.
func (r *Registry) PickSigningKey(region string) SigningKey {
	if key, ok := r.regional[region]; ok {
		return key
	}
	return r.def
}

// AllKeys returns every key published in JWKS: the default key, the regional
// keys ordered by region, then the retired secondaries in configuration
// order. Secondaries stay published so tokens issued under them verify until
// they expire.
func (r *Registry) AllKeys() []SigningKey {
	keys := make([]SigningKey, 0, 1+len(r.regional)+len(r.secondary))
	keys = append(keys, r.def)

	regions := make([]string, 0, len(r.regional))
	for region := range r.regional {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	for _, region := range regions {
		keys = append(keys, r.regional[region])
	}

	return append(keys, r.secondary...)
}
