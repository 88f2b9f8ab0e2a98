package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/nicholasjackson/iam-token-service/rbac"
	"github.com/nicholasjackson/iam-token-service/store"
	"github.com/nicholasjackson/iam-token-service/token"
)

const (
	testIssuer       = "https://issuer.example.com"
	testSelfResource = "api://iam-token-service"
	testResource     = "api://payments"
	testPrincipal    = "arn:aws:iam::123456789012:role/reader"
	testKMSKey       = "arn:aws:kms:us-east-1:123456789012:key/11111111-1111-1111-1111-111111111111"
)

// fakeKMS stands in for KMS with a local P-256 key, covering both the Sign
// and GetPublicKey surfaces.
type fakeKMS struct {
	key *ecdsa.PrivateKey
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeKMS{key: key}
}

func (f *fakeKMS) Sign(_ context.Context, in *kms.SignInput, _ ...func(*kms.Options)) (*kms.SignOutput, error) {
	sig, err := ecdsa.SignASN1(rand.Reader, f.key, in.Message)
	if err != nil {
		return nil, err
	}
	return &kms.SignOutput{Signature: sig}, nil
}

func (f *fakeKMS) GetPublicKey(_ context.Context, _ *kms.GetPublicKeyInput, _ ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error) {
	der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &kms.GetPublicKeyOutput{PublicKey: der}, nil
}

// fakeCallerVerifier returns a fixed identity or error.
type fakeCallerVerifier struct {
	identity *CallerIdentity
	err      error
}

func (f *fakeCallerVerifier) Verify(context.Context, string) (*CallerIdentity, error) {
	return f.identity, f.err
}

type testHarness struct {
	server     *Server
	repository *rbac.Repository
	signer     *token.Signer
	verifier   *fakeCallerVerifier
}

func getTestServer(t *testing.T) *testHarness {
	t.Helper()
	ctx := context.Background()
	log := hclog.NewNullLogger()

	registry, err := token.NewRegistry(testKMSKey, nil, nil)
	require.NoError(t, err)

	kmsAPI := newFakeKMS(t)
	signer := token.NewSigner(kmsAPI, registry, testIssuer, log)
	publisher, err := token.NewPublisher(ctx, kmsAPI, registry, token.DiscoveryConfig{
		Issuer:        testIssuer,
		TokenEndpoint: testIssuer + "/token",
		JWKSURI:       testIssuer + "/.well-known/jwks.json",
	}, log)
	require.NoError(t, err)

	repository := rbac.NewRepository(store.NewInmemStore(), log)
	verifier := &fakeCallerVerifier{identity: &CallerIdentity{ARN: testPrincipal, Account: "123456789012"}}

	srv, err := New(Config{
		Repository:      repository,
		Signer:          signer,
		Publisher:       publisher,
		Verifier:        verifier,
		Logger:          log,
		Issuer:          testIssuer,
		SelfResource:    testSelfResource,
		DefaultResource: testResource,
		Region:          "us-east-1",
		TokenTTL:        15 * time.Minute,
	})
	require.NoError(t, err)

	return &testHarness{server: srv, repository: repository, signer: signer, verifier: verifier}
}

// seedAccess creates the payments resource with a scope and role assigned to
// the test principal.
func seedAccess(t *testing.T, h *testHarness) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.repository.CreateResource(ctx, testResource))
	require.NoError(t, h.repository.CreateScope(ctx, testResource, "payments.read"))
	require.NoError(t, h.repository.CreateRole(ctx, testResource, "approver"))
	require.NoError(t, h.repository.CreateScopeAssignment(ctx, testPrincipal, testResource, "payments.read"))
	require.NoError(t, h.repository.CreateRoleAssignment(ctx, testPrincipal, testResource, "approver"))
}

// adminToken mints a token for the management API carrying the given roles.
func adminToken(t *testing.T, h *testHarness, roles ...string) string {
	t.Helper()
	tok, _, err := h.signer.Issue(context.Background(), token.IssueRequest{
		PrincipalID:  "arn:aws:iam::123456789012:role/admin",
		ResourceName: testSelfResource,
		Scopes:       []string{"rbac"},
		Roles:        roles,
		Lifetime:     time.Minute,
	})
	require.NoError(t, err)
	return tok
}

func postForm(t *testing.T, h *testHarness, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func adminRequest(t *testing.T, h *testHarness, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func tokenForm() url.Values {
	return url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {testPrincipal},
		"client_secret": {"c2lnbmVkLXJlcXVlc3Q"},
		"resource":      {testResource},
	}
}

// TestTokenEndpoint_Success tests the full issuance flow and verifies the
// returned JWT against the published key set
func TestTokenEndpoint_Success(t *testing.T) {
	h := getTestServer(t)
	seedAccess(t, h)

	rec := postForm(t, h, tokenForm())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
		Scope       string `json:"scope"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "Bearer", resp.TokenType)
	require.EqualValues(t, 900, resp.ExpiresIn)
	require.Equal(t, "payments.read", resp.Scope)

	parsed, err := jwt.ParseSigned(resp.AccessToken, []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)

	var claims struct {
		jwt.Claims
		Scope string   `json:"scope"`
		Roles []string `json:"roles"`
	}
	require.NoError(t, parsed.Claims(h.server.cfg.Publisher.KeySet(), &claims))
	require.Equal(t, testIssuer, claims.Issuer)
	require.Equal(t, testPrincipal, claims.Subject)
	require.Equal(t, jwt.Audience{testResource}, claims.Audience)
	require.Equal(t, "payments.read", claims.Scope)
	require.Equal(t, []string{"approver"}, claims.Roles)
}

// TestTokenEndpoint_DefaultResource tests falling back to the configured
// default audience
func TestTokenEndpoint_DefaultResource(t *testing.T) {
	h := getTestServer(t)
	seedAccess(t, h)

	form := tokenForm()
	form.Del("resource")
	rec := postForm(t, h, form)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// TestTokenEndpoint_UnsupportedGrant tests grant type enforcement
func TestTokenEndpoint_UnsupportedGrant(t *testing.T) {
	h := getTestServer(t)

	form := tokenForm()
	form.Set("grant_type", "authorization_code")
	rec := postForm(t, h, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "unsupported_grant_type")
}

// TestTokenEndpoint_MissingCredentials tests the required form fields
func TestTokenEndpoint_MissingCredentials(t *testing.T) {
	h := getTestServer(t)

	form := tokenForm()
	form.Del("client_secret")
	rec := postForm(t, h, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_request")
}

// TestTokenEndpoint_VerifierDenied tests that an unverifiable caller gets 401
func TestTokenEndpoint_VerifierDenied(t *testing.T) {
	h := getTestServer(t)
	seedAccess(t, h)
	h.verifier.identity = nil
	h.verifier.err = errSTSDenied

	rec := postForm(t, h, tokenForm())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_client")
}

// TestTokenEndpoint_ClientIDMismatch tests that client_id must match the
// identity STS vouched for
func TestTokenEndpoint_ClientIDMismatch(t *testing.T) {
	h := getTestServer(t)
	seedAccess(t, h)

	form := tokenForm()
	form.Set("client_id", "arn:aws:iam::123456789012:role/impostor")
	rec := postForm(t, h, form)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_client")
}

// TestTokenEndpoint_UnknownResource tests the invalid_target error
func TestTokenEndpoint_UnknownResource(t *testing.T) {
	h := getTestServer(t)

	form := tokenForm()
	form.Set("resource", "api://nonexistent")
	rec := postForm(t, h, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_target")
}

// TestTokenEndpoint_NoScope tests that a principal without a scope assignment
// gets no token at all
func TestTokenEndpoint_NoScope(t *testing.T) {
	h := getTestServer(t)
	ctx := context.Background()
	require.NoError(t, h.repository.CreateResource(ctx, testResource))
	require.NoError(t, h.repository.CreateRole(ctx, testResource, "approver"))
	require.NoError(t, h.repository.CreateRoleAssignment(ctx, testPrincipal, testResource, "approver"))

	rec := postForm(t, h, tokenForm())
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_scope")
}

// TestTokenEndpoint_UnknownScope tests requesting a scope that does not exist
func TestTokenEndpoint_UnknownScope(t *testing.T) {
	h := getTestServer(t)
	seedAccess(t, h)

	form := tokenForm()
	form.Set("scope", "nonexistent")
	rec := postForm(t, h, form)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "invalid_scope")
}

// TestManagement_RequiresToken tests that admin routes reject anonymous calls
func TestManagement_RequiresToken(t *testing.T) {
	h := getTestServer(t)

	rec := adminRequest(t, h, http.MethodPost, "/resources", "", entityRequest{ResourceName: testResource})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestManagement_RequiresRole tests that the right rbac role is enforced per
// operation
func TestManagement_RequiresRole(t *testing.T) {
	h := getTestServer(t)
	readOnly := adminToken(t, h, "rbac.read")

	rec := adminRequest(t, h, http.MethodPost, "/resources", readOnly, entityRequest{ResourceName: testResource})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = adminRequest(t, h, http.MethodGet, "/resources", readOnly, entityRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
}

// TestManagement_RejectsForeignToken tests that tokens for another audience
// do not open the management API
func TestManagement_RejectsForeignToken(t *testing.T) {
	h := getTestServer(t)

	foreign, _, err := h.signer.Issue(context.Background(), token.IssueRequest{
		PrincipalID:  testPrincipal,
		ResourceName: testResource,
		Scopes:       []string{"payments.read"},
		Roles:        []string{"rbac.create"},
		Lifetime:     time.Minute,
	})
	require.NoError(t, err)

	rec := adminRequest(t, h, http.MethodPost, "/resources", foreign, entityRequest{ResourceName: "api://new"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestManagement_Lifecycle tests entity CRUD through the HTTP surface
func TestManagement_Lifecycle(t *testing.T) {
	h := getTestServer(t)
	create := adminToken(t, h, "rbac.create")
	update := adminToken(t, h, "rbac.update")
	read := adminToken(t, h, "rbac.read")
	del := adminToken(t, h, "rbac.delete")

	rec := adminRequest(t, h, http.MethodPost, "/resources", create, entityRequest{ResourceName: testResource})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Duplicate create conflicts.
	rec = adminRequest(t, h, http.MethodPost, "/resources", create, entityRequest{ResourceName: testResource})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Invalid names fail validation.
	rec = adminRequest(t, h, http.MethodPost, "/resources", create, entityRequest{ResourceName: "not-a-uri"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = adminRequest(t, h, http.MethodPost, "/scopes", create, entityRequest{ResourceName: testResource, ScopeName: "payments.read"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = adminRequest(t, h, http.MethodPost, "/assignments/scopes", update, entityRequest{
		PrincipalID: testPrincipal, ResourceName: testResource, ScopeName: "payments.read",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Access reflects the assignment.
	rec = adminRequest(t, h, http.MethodGet, "/assignments/principals", read, entityRequest{
		PrincipalID: testPrincipal, ResourceName: testResource,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var access rbac.Access
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &access))
	require.Equal(t, []string{"payments.read"}, access.Scopes)

	// Cascade delete through the API.
	rec = adminRequest(t, h, http.MethodDelete, "/resources", del, entityRequest{ResourceName: testResource})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = adminRequest(t, h, http.MethodGet, "/resources", read, entityRequest{ResourceName: testResource})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDiscoveryAndJWKS tests the public well-known documents
func TestDiscoveryAndJWKS(t *testing.T) {
	h := getTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var disco map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &disco))
	require.Equal(t, testIssuer, disco["issuer"])

	req = httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var keySet jose.JSONWebKeySet
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keySet))
	require.Len(t, keySet.Keys, 1)
}

// TestHealthz tests the liveness endpoint
func TestHealthz(t *testing.T) {
	h := getTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

var errSTSDenied = authError("caller identity rejected by STS")
