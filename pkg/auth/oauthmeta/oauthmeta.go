// Package oauthmeta serves the RFC 8414 authorization-server metadata and
// RFC 9728 protected-resource metadata documents that let a compliant OAuth
// client discover how to authenticate against this broker.
package oauthmeta

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/stacklok/authbroker/pkg/config"
)

// Handler serves both well-known metadata documents for a fixed server
// configuration.
type Handler struct {
	serverName string
	serverURL  string
	idps       []config.IDPConfig
	scopes     []string
}

// New constructs a Handler.
func New(serverName, serverURL string, idps []config.IDPConfig, scopes []string) *Handler {
	return &Handler{serverName: serverName, serverURL: serverURL, idps: idps, scopes: scopes}
}

// AuthorizationServerMetadata writes the RFC 8414 document. It responds
// 500 if no trusted IDPs are configured, since the document would
// otherwise advertise a broker with no usable authorization server.
func (h *Handler) AuthorizationServerMetadata(w http.ResponseWriter, _ *http.Request) {
	if len(h.idps) == 0 {
		http.Error(w, "no trusted identity providers configured", http.StatusInternalServerError)
		return
	}

	primary := h.idps[0]
	doc := map[string]any{
		"issuer":                                primary.Issuer,
		"authorization_endpoint":                h.serverURL + "/oauth/authorize",
		"token_endpoint":                         h.serverURL + "/oauth/token",
		"jwks_uri":                               primary.JWKSURI,
		"response_types_supported":               []string{"code"},
		"grant_types_supported":                  []string{"authorization_code"},
		"code_challenge_methods_supported":        []string{"S256"},
		"id_token_signing_alg_values_supported":  dedupAlgorithms(h.idps),
	}

	writeJSON(w, doc)
}

// ProtectedResourceMetadata writes the RFC 9728 document.
func (h *Handler) ProtectedResourceMetadata(w http.ResponseWriter, _ *http.Request) {
	issuers := make([]string, 0, len(h.idps))
	for _, idp := range h.idps {
		issuers = append(issuers, idp.Issuer)
	}

	doc := map[string]any{
		"resource":                              h.serverURL,
		"authorization_servers":                  issuers,
		"bearer_methods_supported":               []string{"header"},
		"resource_signing_alg_values_supported":  dedupAlgorithms(h.idps),
		"scopes_supported":                       h.scopes,
		"resource_documentation":                 h.serverURL + "/.well-known/oauth-authorization-server",
	}

	writeJSON(w, doc)
}

func dedupAlgorithms(idps []config.IDPConfig) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, idp := range idps {
		for _, alg := range idp.Algorithms {
			if _, ok := seen[alg]; !ok {
				seen[alg] = struct{}{}
				out = append(out, alg)
			}
		}
	}
	sort.Strings(out)
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
