package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

const testCallerARN = "arn:aws:sts::123456789012:assumed-role/reader/session"

// encodeIdentityRequest builds a client secret from a signed request shape.
func encodeIdentityRequest(t *testing.T, sr signedIdentityRequest) string {
	t.Helper()
	raw, err := json.Marshal(sr)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// wellFormedRequest returns a request that passes shape validation, aimed at
// the given endpoint.
func wellFormedRequest(url string) signedIdentityRequest {
	return signedIdentityRequest{
		URL:    url,
		Method: http.MethodPost,
		Headers: map[string][]string{
			"Authorization": {"AWS4-HMAC-SHA256 Credential=AKIA/20260301/us-east-1/sts/aws4_request, Signature=abc"},
			"X-Amz-Date":    {"20260301T120000Z"},
			"Content-Type":  {"application/x-www-form-urlencoded; charset=utf-8"},
		},
		Body: callerIdentityBody,
	}
}

// getTestVerifier returns a verifier whose host check accepts the fake STS
// stood up for the test.
func getTestVerifier(t *testing.T, handler http.HandlerFunc) (*STSVerifier, *httptest.Server) {
	t.Helper()
	ts := httptest.NewTLSServer(handler)
	t.Cleanup(ts.Close)

	v := NewSTSVerifier(ts.Client(), hclog.NewNullLogger())
	v.checkHost = func(string) bool { return true }
	return v, ts
}

const stsResponseXML = `<GetCallerIdentityResponse xmlns="https://sts.amazonaws.com/doc/2011-06-15/">
  <GetCallerIdentityResult>
    <Arn>` + testCallerARN + `</Arn>
    <UserId>AROAEXAMPLE:session</UserId>
    <Account>123456789012</Account>
  </GetCallerIdentityResult>
</GetCallerIdentityResponse>`

// TestVerify_Success tests the happy path through a fake STS
func TestVerify_Success(t *testing.T) {
	var gotAuth string
	v, ts := getTestVerifier(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(stsResponseXML))
	})

	secret := encodeIdentityRequest(t, wellFormedRequest(ts.URL))
	identity, err := v.Verify(context.Background(), secret)
	require.NoError(t, err)
	require.Equal(t, testCallerARN, identity.ARN)
	require.Equal(t, "123456789012", identity.Account)
	require.Equal(t, "AROAEXAMPLE:session", identity.UserID)
	require.Contains(t, gotAuth, "AWS4-HMAC-SHA256", "signed headers must be forwarded")
}

// TestVerify_STSRejects tests that an STS denial becomes AccessDenied
func TestVerify_STSRejects(t *testing.T) {
	v, ts := getTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	secret := encodeIdentityRequest(t, wellFormedRequest(ts.URL))
	_, err := v.Verify(context.Background(), secret)
	require.True(t, trace.IsAccessDenied(err))
}

// TestVerify_MalformedSecret tests rejection before anything is forwarded
func TestVerify_MalformedSecret(t *testing.T) {
	forwarded := false
	v, ts := getTestVerifier(t, func(http.ResponseWriter, *http.Request) {
		forwarded = true
	})

	cases := map[string]string{
		"not base64":      "!!!not-base64!!!",
		"not json":        base64.RawURLEncoding.EncodeToString([]byte("plain text")),
		"wrong method":    encodeIdentityRequest(t, func() signedIdentityRequest { sr := wellFormedRequest(ts.URL); sr.Method = http.MethodGet; return sr }()),
		"wrong body":      encodeIdentityRequest(t, func() signedIdentityRequest { sr := wellFormedRequest(ts.URL); sr.Body = "Action=AssumeRole"; return sr }()),
		"plain http":      encodeIdentityRequest(t, func() signedIdentityRequest { sr := wellFormedRequest(ts.URL); sr.URL = "http://sts.amazonaws.com/"; return sr }()),
		"unsigned":        encodeIdentityRequest(t, func() signedIdentityRequest { sr := wellFormedRequest(ts.URL); delete(sr.Headers, "Authorization"); return sr }()),
		"no request date": encodeIdentityRequest(t, func() signedIdentityRequest { sr := wellFormedRequest(ts.URL); delete(sr.Headers, "X-Amz-Date"); return sr }()),
	}

	for name, secret := range cases {
		_, err := v.Verify(context.Background(), secret)
		require.True(t, trace.IsBadParameter(err), "case %q should be rejected as a bad parameter", name)
	}
	require.False(t, forwarded, "malformed secrets must never reach STS")
}

// TestVerify_HostCheck tests the default STS endpoint allow-list
func TestVerify_HostCheck(t *testing.T) {
	v := NewSTSVerifier(nil, hclog.NewNullLogger())

	allowed := []string{
		"sts.amazonaws.com",
		"sts.us-east-1.amazonaws.com",
		"sts-fips.us-gov-west-1.amazonaws.com",
		"sts.cn-north-1.amazonaws.com.cn",
	}
	for _, host := range allowed {
		require.True(t, v.checkHost(host), "%s should be accepted", host)
	}

	denied := []string{
		"sts.amazonaws.com.evil.example.com",
		"evil.example.com",
		"sts.amazonaws.org",
		"127.0.0.1",
	}
	for _, host := range denied {
		require.False(t, v.checkHost(host), "%s should be rejected", host)
	}
}

// TestVerify_EmptyIdentity tests that a 200 with no ARN is still a denial
func TestVerify_EmptyIdentity(t *testing.T) {
	v, ts := getTestVerifier(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<GetCallerIdentityResponse><GetCallerIdentityResult></GetCallerIdentityResult></GetCallerIdentityResponse>`))
	})

	secret := encodeIdentityRequest(t, wellFormedRequest(ts.URL))
	_, err := v.Verify(context.Background(), secret)
	require.True(t, trace.IsAccessDenied(err))
}
