// Package middleware wires the JWT authenticator into an HTTP handler
// chain: bearer extraction, the dual rejection check (structural/crypto
// failure vs. role-mapping rejection), and RFC 6750 WWW-Authenticate
// header construction.
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/auth/jwtauth"
	"github.com/stacklok/authbroker/pkg/brokererr"
)

// Config controls the WWW-Authenticate header's optional fields.
type Config struct {
	ServerName          string
	RequiredScopes       []string
	ResourceMetadataURL string
}

// RequireBearer returns middleware that authenticates every request's
// bearer token and attaches the resulting session to the request context.
// A structural or cryptographic failure responds 401 immediately. A
// role-mapping rejection (Result.Rejected) still attaches the session —
// handlers downstream decide whether the route requires a role the
// rejected session lacks — since "authenticated but not authorized for
// this resource" and "not authenticated at all" are different outcomes.
func RequireBearer(authn *jwtauth.Authenticator, cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearer(r.Header.Get("Authorization"))
			if err != nil {
				writeUnauthorized(w, cfg, "")
				return
			}

			result, err := authn.Authenticate(r.Context(), token, r.Header.Get("X-IDP-Hint"))
			if err != nil {
				reason := ""
				if be, ok := err.(*brokererr.Error); ok {
					reason = string(be.Kind)
				}
				writeUnauthorized(w, cfg, reason)
				return
			}

			ctx := auth.WithSession(r.Context(), result.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractBearer(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", fmt.Errorf("middleware: missing or malformed Authorization header")
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", fmt.Errorf("middleware: empty bearer token")
	}
	return token, nil
}

// writeUnauthorized writes a 401 response with the RFC 6750 / RFC 9728
// WWW-Authenticate challenge.
func writeUnauthorized(w http.ResponseWriter, cfg Config, errorCode string) {
	header := fmt.Sprintf(`Bearer realm=%q`, cfg.ServerName)
	if len(cfg.RequiredScopes) > 0 {
		header += fmt.Sprintf(`, scope=%q`, strings.Join(cfg.RequiredScopes, " "))
	}
	if cfg.ResourceMetadataURL != "" {
		header += fmt.Sprintf(`, resource_metadata=%q`, cfg.ResourceMetadataURL)
	}
	if errorCode != "" {
		header += fmt.Sprintf(`, error="invalid_token", error_description=%q`, errorCode)
	}

	w.Header().Set("WWW-Authenticate", header)
	w.Header().Set("Access-Control-Expose-Headers", "WWW-Authenticate")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
