package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// SecretHeader carries the shared secret on RPC requests and websocket upgrades.
const SecretHeader = "X-Runloop-Secret"

// AuthHandler checks the shared secret presented by callers.
type AuthHandler struct {
	sharedSecret string
}

// NewAuthHandler creates a handler for secret. An empty secret disables checks.
func NewAuthHandler(sharedSecret string) *AuthHandler {
	return &AuthHandler{sharedSecret: sharedSecret}
}

// Enabled reports whether a secret is configured.
func (a *AuthHandler) Enabled() bool {
	return a.sharedSecret != ""
}

// Verify compares presented against the configured secret in constant time.
func (a *AuthHandler) Verify(presented string) bool {
	if !a.Enabled() {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.sharedSecret), []byte(presented)) == 1
}

// Authorize checks a request. Browsers cannot set headers on websocket
// upgrades, so the secret is also accepted as the "secret" query parameter
// or a bearer token.
func (a *AuthHandler) Authorize(r *http.Request) bool {
	if !a.Enabled() {
		return true
	}
	if v := r.Header.Get(SecretHeader); v != "" {
		return a.Verify(v)
	}
	if v := r.Header.Get("Authorization"); strings.HasPrefix(v, "Bearer ") {
		return a.Verify(strings.TrimPrefix(v, "Bearer "))
	}
	return a.Verify(r.URL.Query().Get("secret"))
}
