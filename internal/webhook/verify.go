package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Signature headers
const (
	HeaderGitHubSignature    = "X-Hub-Signature-256"
	HeaderGitLabToken        = "X-Gitlab-Token"
	HeaderGiteaSignature     = "X-Gitea-Signature"
	HeaderBitbucketSignature = "X-Hub-Signature"
)

// ErrSignature is returned when a request fails verification
var ErrSignature = errors.New("webhook signature invalid")

// Verifier authenticates a webhook request before its body is parsed
type Verifier interface {
	Verify(headers http.Header, body []byte) error
}

// HMACVerifier checks a hex HMAC-SHA256 of the body carried in Header,
// optionally behind Prefix ("sha256=").
type HMACVerifier struct {
	Header string
	Prefix string
	Secret []byte
}

// Verify implements Verifier
func (v HMACVerifier) Verify(headers http.Header, body []byte) error {
	got := headers.Get(v.Header)
	if got == "" {
		return fmt.Errorf("%w: missing %s", ErrSignature, v.Header)
	}
	if v.Prefix != "" {
		if !strings.HasPrefix(got, v.Prefix) {
			return fmt.Errorf("%w: malformed %s", ErrSignature, v.Header)
		}
		got = strings.TrimPrefix(got, v.Prefix)
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return fmt.Errorf("%w: malformed %s", ErrSignature, v.Header)
	}
	mac := hmac.New(sha256.New, v.Secret)
	mac.Write(body)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return ErrSignature
	}
	return nil
}

// TokenVerifier compares a shared token carried in Header
type TokenVerifier struct {
	Header string
	Token  string
}

// Verify implements Verifier
func (v TokenVerifier) Verify(headers http.Header, _ []byte) error {
	got := headers.Get(v.Header)
	if got == "" {
		return fmt.Errorf("%w: missing %s", ErrSignature, v.Header)
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(v.Token)) != 1 {
		return ErrSignature
	}
	return nil
}

// Secrets holds the per-provider shared secrets. An empty secret leaves
// that provider unverified.
type Secrets struct {
	GitHub    string
	GitLab    string
	Gitea     string
	Bitbucket string
}

// Verifiers builds the verifier of every provider with a configured secret
func Verifiers(s Secrets) map[string]Verifier {
	out := make(map[string]Verifier)
	if s.GitHub != "" {
		out[ProviderGitHub] = HMACVerifier{Header: HeaderGitHubSignature, Prefix: "sha256=", Secret: []byte(s.GitHub)}
	}
	if s.GitLab != "" {
		out[ProviderGitLab] = TokenVerifier{Header: HeaderGitLabToken, Token: s.GitLab}
	}
	if s.Gitea != "" {
		out[ProviderGitea] = HMACVerifier{Header: HeaderGiteaSignature, Secret: []byte(s.Gitea)}
	}
	if s.Bitbucket != "" {
		out[ProviderBitbucket] = HMACVerifier{Header: HeaderBitbucketSignature, Prefix: "sha256=", Secret: []byte(s.Bitbucket)}
	}
	return out
}

// Sign returns the hex HMAC-SHA256 of body, as GitHub, Gitea and Bitbucket
// compute it
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
