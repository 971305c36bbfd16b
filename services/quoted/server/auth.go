package server

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
)

// AuthConfig configures bearer token and mTLS authentication options for the
// privileged configuration endpoints.
type AuthConfig struct {
	BearerToken string
	AllowMTLS   bool
}

// Authenticator verifies admin requests before they reach handlers. Chain
// configuration is a single-owner mutation path: only requests passing this
// gate may alter it.
type Authenticator struct {
	bearerToken string
	allowBearer bool
	allowMTLS   bool
}

// NewAuthenticator constructs an authenticator from configuration.
func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.BearerToken)
	allowBearer := token != ""
	if !allowBearer && !cfg.AllowMTLS {
		return nil, fmt.Errorf("at least one authentication mechanism must be configured")
	}
	return &Authenticator{bearerToken: token, allowBearer: allowBearer, allowMTLS: cfg.AllowMTLS}, nil
}

// Middleware enforces authentication for admin endpoints.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		if a.authenticate(r) {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "authentication required", http.StatusUnauthorized)
	})
}

func (a *Authenticator) authenticate(r *http.Request) bool {
	if a == nil || r == nil {
		return false
	}
	if a.allowBearer && a.bearerMatches(r.Header.Get("Authorization")) {
		return true
	}
	if a.allowMTLS && clientCertPresented(r) {
		return true
	}
	return false
}

func (a *Authenticator) bearerMatches(header string) bool {
	token := parseBearerToken(header)
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.bearerToken)) == 1
}

func clientCertPresented(r *http.Request) bool {
	state := r.TLS
	if state == nil {
		return false
	}
	if len(state.VerifiedChains) > 0 {
		return true
	}
	return len(state.PeerCertificates) > 0 && state.HandshakeComplete
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
