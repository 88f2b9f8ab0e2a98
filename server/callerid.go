// Package server exposes the HTTP surface: the OAuth token endpoint, the
// JWKS/discovery documents, and the RBAC management API.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-hclog"
)

// CallerIdentity is the AWS identity STS reported for a verified caller.
type CallerIdentity struct {
	ARN     string
	Account string
	UserID  string
}

// CallerIdentityVerifier proves who an OAuth client is from the signed
// sts:GetCallerIdentity request it presents as its client secret.
type CallerIdentityVerifier interface {
	Verify(ctx context.Context, clientSecret string) (*CallerIdentity, error)
}

const (
	callerIdentityBody = "Action=GetCallerIdentity&Version=2011-06-15"

	verifyTimeout = 10 * time.Second
)

// stsHostRegex matches the global, regional, FIPS, and China-partition STS
// endpoints. The request may only be forwarded to a genuine STS host,
// otherwise the caller could point us at a server that vouches for anyone.
var stsHostRegex = regexp.MustCompile(`^sts(-fips)?(\.[a-z0-9-]+)?\.amazonaws\.com(\.cn)?$`)

// signedIdentityRequest is the wire form of the client secret: a serialized,
// SigV4-signed sts:GetCallerIdentity HTTP request, JSON-encoded then
// base64url-encoded.
type signedIdentityRequest struct {
	URL     string              `json:"url"`
	Method  string              `json:"method"`
	Headers map[string][]string `json:"headers"`
	Body    string              `json:"body"`
}

// STSVerifier verifies callers by validating the shape of the signed request
// and forwarding it to STS. STS checks the SigV4 signature; we trust the
// identity it echoes back.
type STSVerifier struct {
	httpClient *http.Client
	log        hclog.Logger

	// checkHost is swapped out by tests that stand in for STS.
	checkHost func(host string) bool
}

// NewSTSVerifier returns a verifier using the given HTTP client, or a
// default client with a sane timeout.
func NewSTSVerifier(httpClient *http.Client, log hclog.Logger) *STSVerifier {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: verifyTimeout}
	}
	return &STSVerifier{
		httpClient: httpClient,
		log:        log.Named("callerid"),
		checkHost:  func(host string) bool { return stsHostRegex.MatchString(host) },
	}
}

// Verify implements CallerIdentityVerifier.
func (v *STSVerifier) Verify(ctx context.Context, clientSecret string) (*CallerIdentity, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(clientSecret, "="))
	if err != nil {
		return nil, trace.BadParameter("client secret is not base64url encoded")
	}

	var sr signedIdentityRequest
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, trace.BadParameter("client secret is not a serialized identity request")
	}
	if err := v.validateRequest(&sr); err != nil {
		return nil, trace.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sr.URL, strings.NewReader(sr.Body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	for name, values := range sr.Headers {
		// The signed header set must reach STS untouched or the SigV4
		// signature will not verify.
		if strings.EqualFold(name, "Host") || strings.EqualFold(name, "Content-Length") {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "forwarding identity request to STS")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, trace.ConnectionProblem(err, "reading STS response")
	}
	if resp.StatusCode != http.StatusOK {
		v.log.Debug("STS rejected identity request", "status", resp.StatusCode)
		return nil, trace.AccessDenied("caller identity rejected by STS")
	}

	var parsed getCallerIdentityResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, trace.Wrap(err, "parsing STS response")
	}
	if parsed.Result.Arn == "" {
		return nil, trace.AccessDenied("STS response carried no identity")
	}

	return &CallerIdentity{
		ARN:     parsed.Result.Arn,
		Account: parsed.Result.Account,
		UserID:  parsed.Result.UserID,
	}, nil
}

// validateRequest rejects anything that is not a well-formed signed
// GetCallerIdentity request aimed at a real STS endpoint.
func (v *STSVerifier) validateRequest(sr *signedIdentityRequest) error {
	if sr.Method != http.MethodPost {
		return trace.BadParameter("identity request must be a POST")
	}

	u, err := url.Parse(sr.URL)
	if err != nil {
		return trace.BadParameter("identity request URL is malformed")
	}
	if u.Scheme != "https" {
		return trace.BadParameter("identity request must use https")
	}
	if !v.checkHost(u.Hostname()) {
		return trace.BadParameter("identity request host %q is not an STS endpoint", u.Hostname())
	}
	if sr.Body != callerIdentityBody {
		return trace.BadParameter("identity request body is not a GetCallerIdentity call")
	}

	auth := http.Header(sr.Headers).Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256") {
		return trace.BadParameter("identity request is not SigV4 signed")
	}
	if http.Header(sr.Headers).Get("X-Amz-Date") == "" {
		return trace.BadParameter("identity request carries no X-Amz-Date header")
	}
	return nil
}

type getCallerIdentityResponse struct {
	XMLName xml.Name `xml:"GetCallerIdentityResponse"`
	Result  struct {
		Arn     string `xml:"Arn"`
		UserID  string `xml:"UserId"`
		Account string `xml:"Account"`
	} `xml:"GetCallerIdentityResult"`
}
