// Package oauthredirect implements the PKCE authorization-code redirect
// handler: an ephemeral session store keyed by a random session ID, S256
// challenge generation, and code exchange.
package oauthredirect

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/logging"
)

// session is the ephemeral OAuthSession persisted between authorize and
// callback. Single-use: the first Callback for it deletes it, whether or
// not that callback then succeeds.
type session struct {
	codeVerifier  string
	codeChallenge string
	state         string
	redirectURI   string
	scopes        []string
	createdAt     time.Time
	expiresAt     time.Time
}

// AuthorizeResult is returned by Authorize.
type AuthorizeResult struct {
	AuthorizeURL string
	State        string
	SessionID    string
}

// Handler serves the authorize/callback pair against one configured IDP.
type Handler struct {
	cfg        config.OAuthRedirectConfig
	httpClient *http.Client
	allowlist  map[string]struct{}
	store      Store
}

// New constructs a Handler backed by the default in-process Store, started
// with its own 60-second session sweeper ended when ctx is cancelled.
func New(ctx context.Context, cfg config.OAuthRedirectConfig) *Handler {
	return NewWithStore(ctx, cfg, newMemoryStore(ctx))
}

// NewWithStore constructs a Handler against an explicit Store, letting a
// multi-instance broker deployment swap in NewRedisStore so an authorize
// call served by one instance and its matching callback served by another
// share session state.
func NewWithStore(_ context.Context, cfg config.OAuthRedirectConfig, store Store) *Handler {
	allow := make(map[string]struct{}, len(cfg.RedirectAllowlist))
	for _, u := range cfg.RedirectAllowlist {
		allow[u] = struct{}{}
	}
	return &Handler{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		allowlist:  allow,
		store:      store,
	}
}

// Stop releases the Handler's Store (halting the in-process sweeper, or
// closing the Redis client, depending on backend).
func (h *Handler) Stop() { _ = h.store.Close() }

// Authorize begins a PKCE flow for redirectURI, rejecting any URI not on
// the exact-string configured allowlist.
func (h *Handler) Authorize(ctx context.Context, redirectURI string, scopes []string, state string) (AuthorizeResult, error) {
	if _, ok := h.allowlist[redirectURI]; !ok {
		return AuthorizeResult{}, fmt.Errorf("oauthredirect: redirect URI %q is not in the configured allowlist", redirectURI)
	}
	if len(scopes) == 0 {
		scopes = h.cfg.DefaultScopes
	}
	if state == "" {
		state = randomToken(16)
	}

	verifier := randomToken(32)
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	sessionID := uuid.NewString()
	ttl := time.Duration(h.cfg.SessionTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	now := time.Now()

	s := session{
		codeVerifier:  verifier,
		codeChallenge: challenge,
		state:         state,
		redirectURI:   redirectURI,
		scopes:        scopes,
		createdAt:     now,
		expiresAt:     now.Add(ttl),
	}
	if err := h.store.Save(ctx, sessionID, s, ttl); err != nil {
		return AuthorizeResult{}, fmt.Errorf("oauthredirect: save session: %w", err)
	}

	authorizeURL := buildAuthorizeURL(h.cfg, redirectURI, scopes, state, challenge)
	return AuthorizeResult{AuthorizeURL: authorizeURL, State: state, SessionID: sessionID}, nil
}

func buildAuthorizeURL(cfg config.OAuthRedirectConfig, redirectURI string, scopes []string, state, challenge string) string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", cfg.ClientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")

	sep := "?"
	if strings.Contains(cfg.AuthorizeEndpoint, "?") {
		sep = "&"
	}
	return cfg.AuthorizeEndpoint + sep + q.Encode()
}

// TokenResponse is the decoded token endpoint response from Callback.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
}

// Callback completes the PKCE flow: it validates the session and state,
// exchanges code at the IDP token endpoint using the stored code verifier,
// and deletes the session before returning so the authorization code can
// never be replayed against this broker.
func (h *Handler) Callback(ctx context.Context, sessionID, code, state string) (*TokenResponse, error) {
	s, err := h.store.LoadAndDelete(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("oauthredirect: unknown or already-used session %q", sessionID)
	}
	if s.state != state {
		return nil, fmt.Errorf("oauthredirect: state mismatch for session %q", sessionID)
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", s.redirectURI)
	form.Set("code_verifier", s.codeVerifier)
	form.Set("client_id", h.cfg.ClientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauthredirect: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if h.cfg.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(h.cfg.ClientID), url.QueryEscape(h.cfg.ClientSecret))
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauthredirect: token request failed: %w", err)
	}
	defer resp.Body.Close()

	var tokenResp TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, fmt.Errorf("oauthredirect: decode token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("oauthredirect: token endpoint returned status %d", resp.StatusCode)
	}

	logging.Debugf("oauthredirect: completed code exchange for session %s", sessionID)
	return &tokenResp, nil
}

func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("oauthredirect: crypto/rand failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
