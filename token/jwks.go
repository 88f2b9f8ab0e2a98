package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-jose/go-jose/v4"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
)

// PublicKeyAPI is the subset of the KMS client the publisher uses.
type PublicKeyAPI interface {
	GetPublicKey(ctx context.Context, in *kms.GetPublicKeyInput, opts ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// DiscoveryConfig is the static content of the OpenID discovery document.
type DiscoveryConfig struct {
	Issuer        string
	TokenEndpoint string
	JWKSURI       string
}

// Publisher serves the JWKS document and the OpenID discovery document for
// relying parties. Public key material is fetched once at construction and
// cached for the process lifetime; the registry does not rotate online.
type Publisher struct {
	keySet    jose.JSONWebKeySet
	jwks      []byte
	discovery []byte
}

// NewPublisher fetches the public half of every registered key and renders
// both documents.
func NewPublisher(ctx context.Context, api PublicKeyAPI, registry *Registry, cfg DiscoveryConfig, log hclog.Logger) (*Publisher, error) {
	log = log.Named("jwks")

	var keySet jose.JSONWebKeySet
	for _, key := range registry.AllKeys() {
		out, err := api.GetPublicKey(ctx, &kms.GetPublicKeyInput{
			KeyId: aws.String(key.ARN),
		})
		if err != nil {
			return nil, trace.ConnectionProblem(err, "fetching public key %s", key.Kid)
		}

		parsed, err := x509.ParsePKIXPublicKey(out.PublicKey)
		if err != nil {
			return nil, trace.Wrap(err, "parsing public key %s", key.Kid)
		}
		ecKey, ok := parsed.(*ecdsa.PublicKey)
		if !ok || ecKey.Curve != elliptic.P256() {
			return nil, trace.BadParameter("key %s is not an ECDSA P-256 key", key.Kid)
		}

		keySet.Keys = append(keySet.Keys, jose.JSONWebKey{
			Key:       ecKey,
			KeyID:     key.Kid,
			Algorithm: "ES256",
			Use:       "sig",
		})
		log.Info("published signing key", "kid", key.Kid, "region", key.Region)
	}

	jwks, err := json.Marshal(keySet)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	discovery, err := json.Marshal(discoveryDocument{
		Issuer:                           cfg.Issuer,
		TokenEndpoint:                    cfg.TokenEndpoint,
		JWKSURI:                          cfg.JWKSURI,
		GrantTypesSupported:              []string{"client_credentials"},
		ResponseTypesSupported:           []string{"token"},
		TokenEndpointAuthMethods:         []string{"client_secret_post"},
		IDTokenSigningAlgValuesSupported: []string{"ES256"},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	return &Publisher{keySet: keySet, jwks: jwks, discovery: discovery}, nil
}

type discoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	TokenEndpointAuthMethods         []string `json:"token_endpoint_auth_methods_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
}

// KeySet returns the cached key set for in-process verification.
func (p *Publisher) KeySet() jose.JSONWebKeySet {
	return p.keySet
}

// JWKS returns the rendered JWKS document.
func (p *Publisher) JWKS() []byte {
	return p.jwks
}

// Discovery returns the rendered OpenID configuration document.
func (p *Publisher) Discovery() []byte {
	return p.discovery
}
