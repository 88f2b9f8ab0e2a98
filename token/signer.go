package token

import (
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
)

// SignAPI is the subset of the KMS client the signer uses.
type SignAPI interface {
	Sign(ctx context.Context, in *kms.SignInput, opts ...func(*kms.Options)) (*kms.SignOutput, error)
}

// Signer mints ES256 JWTs. The payload digest is signed remotely by KMS and
// the DER signature converted to the fixed-length JWS form.
type Signer struct {
	api      SignAPI
	registry *Registry
	issuer   string
	log      hclog.Logger
	clock    func() time.Time
}

// NewSigner returns a signer issuing tokens under the given issuer URL.
func NewSigner(api SignAPI, registry *Registry, issuer string, log hclog.Logger) *Signer {
	return &Signer{
		api:      api,
		registry: registry,
		issuer:   issuer,
		log:      log.Named("signer"),
		clock:    time.Now,
	}
}

// IssueRequest carries everything needed to mint one token.
type IssueRequest struct {
	PrincipalID  string
	ResourceName string
	Scopes       []string
	Roles        []string
	Region       string
	Lifetime     time.Duration
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	Kid string `json:"kid"`
}

type jwtClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience string   `json:"aud"`
	Scope    string   `json:"scope"`
	Roles    []string `json:"roles"`
	IssuedAt int64    `json:"iat"`
	Expiry   int64    `json:"exp"`
	JTI      string   `json:"jti"`
}

// Issue signs a token for the principal's access on a resource and returns
// the compact serialization together with its lifetime in seconds.
func (s *Signer) Issue(ctx context.Context, req IssueRequest) (string, int64, error) {
	key := s.registry.PickSigningKey(req.Region)
	now := s.clock()

	header, err := json.Marshal(jwtHeader{Alg: "ES256", Typ: "JWT", Kid: key.Kid})
	if err != nil {
		return "", 0, trace.Wrap(err)
	}
	claims, err := json.Marshal(jwtClaims{
		Issuer:   s.issuer,
		Subject:  req.PrincipalID,
		Audience: req.ResourceName,
		Scope:    strings.Join(req.Scopes, " "),
		Roles:    req.Roles,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(req.Lifetime).Unix(),
		JTI:      uuid.NewString(),
	})
	if err != nil {
		return "", 0, trace.Wrap(err)
	}

	signingInput := base64.RawURLEncoding.EncodeToString(header) + "." + base64.RawURLEncoding.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signingInput))

	out, err := s.api.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(key.ARN),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return "", 0, convertSignError(err)
	}

	sig, err := derToJWS(out.Signature)
	if err != nil {
		return "", 0, trace.Wrap(err)
	}

	s.log.Debug("issued token", "sub", req.PrincipalID, "aud", req.ResourceName, "kid", key.Kid)
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), int64(req.Lifetime.Seconds()), nil
}

// derToJWS converts a DER-encoded ECDSA P-256 signature into the 64-byte
// R||S form JWS requires.
func derToJWS(der []byte) ([]byte, error) {
	var parsed struct {
		R *big.Int
		S *big.Int
	}
	if rest, err := asn1.Unmarshal(der, &parsed); err != nil || len(rest) != 0 {
		return nil, trace.BadParameter("malformed DER signature from key service")
	}

	sig := make([]byte, 64)
	parsed.R.FillBytes(sig[:32])
	parsed.S.FillBytes(sig[32:])
	return sig, nil
}

// convertSignError separates authorization failures (fatal, never leak key
// identifiers to callers) from transient key service failures (retriable).
func convertSignError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "DisabledException", "KMSInvalidStateException", "InvalidKeyUsageException":
			return trace.AccessDenied("key service refused to sign")
		}
	}
	return trace.ConnectionProblem(err, "key service unavailable")
}
