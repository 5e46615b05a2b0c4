package gateway

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/slack-go/slack"

	"sre-agent/internal/domain"
)

// Authenticator validates an incoming trigger request. body is the raw
// request body, already read by the caller.
type Authenticator interface {
	Authenticate(r *http.Request, body []byte) (actor string, err error)
}

// RequestAuth accepts a static bearer token or a Slack request signature.
type RequestAuth struct {
	bearer        []byte
	signingSecret string
}

// NewRequestAuth builds an authenticator. Either secret may be empty, which
// disables that method.
func NewRequestAuth(bearerToken, slackSigningSecret string) *RequestAuth {
	return &RequestAuth{bearer: []byte(bearerToken), signingSecret: slackSigningSecret}
}

// Authenticate checks the bearer token first and falls back to the Slack
// v0 signature over the body. Uses constant-time comparison for the token.
func (a *RequestAuth) Authenticate(r *http.Request, body []byte) (string, error) {
	if token, ok := bearerToken(r); ok && len(a.bearer) > 0 {
		if subtle.ConstantTimeCompare([]byte(token), a.bearer) == 1 {
			return "bearer", nil
		}
	}
	if a.signingSecret == "" {
		return "", fmt.Errorf("%w: no credentials", domain.ErrGatewayAuthFailed)
	}

	// NewSecretsVerifier rejects missing headers and timestamps older than
	// five minutes.
	sv, err := slack.NewSecretsVerifier(r.Header, a.signingSecret)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	if _, err := sv.Write(body); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	if err := sv.Ensure(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	return "slack", nil
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
