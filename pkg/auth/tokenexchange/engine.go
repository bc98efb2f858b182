package tokenexchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/auth/tokencache"
	"github.com/stacklok/authbroker/pkg/brokererr"
	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/logging"
	"github.com/stacklok/authbroker/pkg/metrics"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

// LegacyIdentity is the resolved downstream identity a delegation module
// uses to act on a user's behalf after a successful exchange: the access
// token itself plus whatever claims the module needs to pick a role or
// database identity.
type LegacyIdentity struct {
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
	Claims      map[string]any
}

// Engine resolves a UserSession to a LegacyIdentity for one delegation
// module, consulting the encrypted cache before issuing a fresh RFC 8693
// exchange.
type Engine struct {
	moduleName string
	cfg        config.TokenExchangeConfig
	cache      *tokencache.Cache
	cacheKey   string
}

// New constructs an Engine for moduleName using cfg. cache may be nil, in
// which case every call performs a live exchange.
func New(moduleName string, cfg config.TokenExchangeConfig, cache *tokencache.Cache) *Engine {
	return &Engine{
		moduleName: moduleName,
		cfg:        cfg,
		cache:      cache,
		cacheKey:   fmt.Sprintf("%s|%s|%s", cfg.Audience, cfg.Resource, cfg.Scope),
	}
}

// Resolve returns the legacy identity for session, using the cache keyed by
// session.RequestorJWT when available.
func (e *Engine) Resolve(ctx context.Context, session *auth.UserSession) (*LegacyIdentity, error) {
	if e.cache != nil {
		if entry, err := e.cache.Get(ctx, session.RequestorJWT, e.cacheKey); err == nil {
			metrics.TokenExchangeTotal.WithLabelValues(e.moduleName, "cache_hit").Inc()
			return &LegacyIdentity{
				AccessToken: entry.AccessToken,
				TokenType:   entry.TokenType,
				ExpiresAt:   entry.ExpiresAt,
				Claims:      decodeClaimsUnverified(entry.AccessToken),
			}, nil
		}
	}

	identity, err := e.exchange(ctx, session)
	if err != nil {
		metrics.TokenExchangeTotal.WithLabelValues(e.moduleName, "failure").Inc()
		return nil, err
	}
	metrics.TokenExchangeTotal.WithLabelValues(e.moduleName, "success").Inc()

	if e.cache != nil {
		if err := e.cache.Put(ctx, session.RequestorJWT, e.cacheKey, tokencache.Entry{
			AccessToken: identity.AccessToken,
			TokenType:   identity.TokenType,
			ExpiresAt:   identity.ExpiresAt,
		}); err != nil {
			logging.Warnf("tokenexchange: cache write failed for module %s: %v", e.moduleName, err)
		}
	}

	if e.cfg.RequiredClaim != "" {
		if _, ok := identity.Claims[e.cfg.RequiredClaim]; !ok {
			return nil, brokererr.New(brokererr.KindInvalidClaim,
				fmt.Sprintf("exchanged token missing required claim %q", e.cfg.RequiredClaim))
		}
	}

	return identity, nil
}

func (e *Engine) exchange(ctx context.Context, session *auth.UserSession) (identity *LegacyIdentity, err error) {
	ctx, end := telemetry.StartSpan(ctx, "tokenexchange.perform_exchange")
	defer func() { end(err) }()

	var scopes []string
	if e.cfg.Scope != "" {
		scopes = strings.Fields(e.cfg.Scope)
	}

	exchangeConf := &ExchangeConfig{
		TokenURL:         e.cfg.TokenEndpoint,
		ClientID:         e.cfg.ClientID,
		ClientSecret:     e.cfg.ClientSecret,
		Audience:         e.cfg.Audience,
		Resource:         e.cfg.Resource,
		Scopes:           scopes,
		SubjectTokenType: e.cfg.SubjectTokenType,
		SubjectTokenProvider: func() (string, error) {
			if session.RequestorJWT == "" {
				return "", fmt.Errorf("session carries no requestor JWT to exchange")
			}
			return session.RequestorJWT, nil
		},
	}

	source := exchangeConf.TokenSource(ctx)
	token, err := backoff.Retry(ctx, func() (*oauth2.Token, error) {
		tok, tokErr := source.Token()
		if tokErr != nil && !isRetryableExchangeError(tokErr) {
			return nil, backoff.Permanent(tokErr)
		}
		return tok, tokErr
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindTokenExchangeFailed,
			fmt.Sprintf("token exchange with module %s failed", e.moduleName), err)
	}

	return &LegacyIdentity{
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   token.Expiry,
		Claims:      decodeClaimsUnverified(token.AccessToken),
	}, nil
}

// isRetryableExchangeError reports whether err stems from a 5xx response at
// the IDP's token endpoint, the one class of token-exchange failure worth a
// bounded retry: a 4xx means the request itself is wrong (bad client
// credentials, an unsupported subject token type) and retrying it would
// only repeat the same rejection.
func isRetryableExchangeError(err error) bool {
	var se *statusError
	if !errors.As(err, &se) {
		return false
	}
	return se.code >= 500 && se.code <= 599
}

// decodeClaimsUnverified extracts the claim set of token without validating
// its signature: the exchanged token's signature was already verified by
// the downstream IDP that issued it in response to our exchange request, so
// re-verifying it here would require trusting a second JWKS endpoint for no
// security benefit. If token is not a three-segment JWT (an opaque token,
// for instance), it returns nil rather than an error: not every exchange
// target issues JWTs.
func decodeClaimsUnverified(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return claims
}
