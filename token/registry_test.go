package token

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	keyDefault   = "arn:aws:kms:us-east-1:123456789012:key/11111111-1111-1111-1111-111111111111"
	keyEUWest    = "arn:aws:kms:eu-west-1:123456789012:key/22222222-2222-2222-2222-222222222222"
	keyEUWestAlt = "arn:aws:kms:eu-west-1:123456789012:key/33333333-3333-3333-3333-333333333333"
	keyRetired   = "arn:aws:kms:us-east-1:123456789012:key/44444444-4444-4444-4444-444444444444"
)

// TestNewRegistry_Valid tests a full key configuration
func TestNewRegistry_Valid(t *testing.T) {
	r, err := NewRegistry(keyDefault, []string{keyEUWest}, []string{keyRetired})
	require.NoError(t, err)

	keys := r.AllKeys()
	require.Len(t, keys, 3)
	require.Equal(t, keyDefault, keys[0].ARN, "default key first")
	require.Equal(t, keyEUWest, keys[1].ARN)
	require.Equal(t, keyRetired, keys[2].ARN, "retired keys stay published")
}

// TestNewRegistry_KidFromARN tests that the kid is the key-id segment
func TestNewRegistry_KidFromARN(t *testing.T) {
	r, err := NewRegistry(keyDefault, nil, nil)
	require.NoError(t, err)

	keys := r.AllKeys()
	require.Equal(t, "11111111-1111-1111-1111-111111111111", keys[0].Kid)
	require.Equal(t, "us-east-1", keys[0].Region)
}

// TestNewRegistry_DefaultAsRegional tests that the default key cannot also be
// registered as a regional key
func TestNewRegistry_DefaultAsRegional(t *testing.T) {
	_, err := NewRegistry(keyDefault, []string{keyDefault}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "default key specified as regional")
}

// TestNewRegistry_DuplicateRegion tests one regional key per region
func TestNewRegistry_DuplicateRegion(t *testing.T) {
	_, err := NewRegistry(keyDefault, []string{keyEUWest, keyEUWestAlt}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "more than one regional key")
}

// TestNewRegistry_SecondaryOverlap tests that secondaries cannot repeat
// active keys
func TestNewRegistry_SecondaryOverlap(t *testing.T) {
	_, err := NewRegistry(keyDefault, []string{keyEUWest}, []string{keyDefault})
	require.Error(t, err)
	require.Contains(t, err.Error(), "default key specified as secondary")

	_, err = NewRegistry(keyDefault, []string{keyEUWest}, []string{keyEUWest})
	require.Error(t, err)
	require.Contains(t, err.Error(), "regional key specified as secondary")
}

// TestNewRegistry_CollectsAllViolations tests that validation reports every
// problem in one pass
func TestNewRegistry_CollectsAllViolations(t *testing.T) {
	_, err := NewRegistry("not-an-arn", []string{keyDefault, keyDefault}, []string{"also-bad"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not-an-arn")
	require.Contains(t, err.Error(), "also-bad")
}

// TestNewRegistry_RejectsNonKMS tests that only KMS key ARNs are accepted
func TestNewRegistry_RejectsNonKMS(t *testing.T) {
	_, err := NewRegistry("arn:aws:iam::123456789012:role/not-a-key", nil, nil)
	require.Error(t, err)

	_, err = NewRegistry("arn:aws:kms:us-east-1:123456789012:alias/my-alias", nil, nil)
	require.Error(t, err, "aliases carry no stable key id")
}

// TestPickSigningKey tests regional selection with default fallback
func TestPickSigningKey(t *testing.T) {
	r, err := NewRegistry(keyDefault, []string{keyEUWest}, nil)
	require.NoError(t, err)

	require.Equal(t, keyEUWest, r.PickSigningKey("eu-west-1").ARN)
	require.Equal(t, keyDefault, r.PickSigningKey("ap-southeast-2").ARN, "unknown region falls back to the default key")
	require.Equal(t, keyDefault, r.PickSigningKey("").ARN)
}
