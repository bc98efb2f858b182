// Package jwtauth implements the multi-IDP JWT authenticator: structural
// parse, issuer resolution, JWKS-backed signature verification, claim
// projection, and role derivation.
package jwtauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/auth/jwks"
	"github.com/stacklok/authbroker/pkg/auth/rolemap"
	"github.com/stacklok/authbroker/pkg/brokererr"
	"github.com/stacklok/authbroker/pkg/config"
)

// ClaimMappings names the JSON paths, relative to the decoded claim set,
// that supply each field of the constructed session. Nested paths use "."
// separators (e.g. "custom.legacy_username").
type ClaimMappings struct {
	UserID         string
	Username       string
	LegacyUsername string
	Roles          string
	Scopes         string
}

// DefaultClaimMappings matches the OIDC core claim names.
var DefaultClaimMappings = ClaimMappings{
	UserID:         "sub",
	Username:       "preferred_username",
	LegacyUsername: "legacy_name",
	Roles:          "roles",
	Scopes:         "scope",
}

// idp is the resolved, ready-to-use form of config.IDPConfig: a trusted
// issuer with its algorithm set and role mapper compiled.
type idp struct {
	issuer         string
	jwksURI        string
	audience       string
	algorithms     map[string]struct{}
	claimMappings  ClaimMappings
	clockTolerance time.Duration
	maxTokenAge    time.Duration
	requireNbf     bool
	roleMapper     *rolemap.Mapper
}

// Auditor is the minimal audit sink the authenticator emits through. It is
// satisfied by *audit.Pipeline and by audit.Null.
type Auditor interface {
	Append(ctx context.Context, entry auditEntryShape)
}

// auditEntryShape mirrors the fields of audit.Entry the authenticator
// populates. Defined locally (not imported from pkg/audit) to avoid an
// import cycle; pkg/audit.Pipeline.Append takes this same map type, so the
// pipeline satisfies Auditor directly.
type auditEntryShape = map[string]any

// Authenticator validates bearer tokens against a fixed set of trusted
// identity providers.
type Authenticator struct {
	idps     map[string]*idp // by issuer
	jwks     *jwks.Cache
	auditor  Auditor
	devMode  bool
}

// Result is the outcome of Authenticate.
type Result struct {
	Session         *auth.UserSession
	Rejected        bool
	RejectionReason string
}

// New constructs an Authenticator from the configured trusted IDPs. env
// controls whether non-HTTPS issuer/JWKS URIs are permitted (development and
// test only).
func New(ctx context.Context, idps []config.IDPConfig, env config.Env, auditor Auditor) (*Authenticator, error) {
	cache, err := jwks.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("jwtauth: %w", err)
	}

	devMode := !env.RequireHTTPS()
	compiled := make(map[string]*idp, len(idps))
	for _, c := range idps {
		if !devMode && !strings.HasPrefix(c.Issuer, "https://") {
			return nil, fmt.Errorf("jwtauth: issuer %s must use HTTPS outside development/test", c.Issuer)
		}
		algs := make(map[string]struct{}, len(c.Algorithms))
		for _, a := range c.Algorithms {
			if a == "none" || a == "HS256" || a == "HS384" || a == "HS512" {
				return nil, fmt.Errorf("jwtauth: issuer %s: algorithm %s is not permitted", c.Issuer, a)
			}
			algs[a] = struct{}{}
		}
		if len(algs) == 0 {
			algs["RS256"] = struct{}{}
		}

		mappings := DefaultClaimMappings
		if v, ok := c.ClaimMappings["user_id"]; ok {
			mappings.UserID = v
		}
		if v, ok := c.ClaimMappings["username"]; ok {
			mappings.Username = v
		}
		if v, ok := c.ClaimMappings["legacy_username"]; ok {
			mappings.LegacyUsername = v
		}
		if v, ok := c.ClaimMappings["roles"]; ok {
			mappings.Roles = v
		}
		if v, ok := c.ClaimMappings["scopes"]; ok {
			mappings.Scopes = v
		}

		clockTolerance := time.Duration(c.ClockTolerance) * time.Second
		maxTokenAge := time.Duration(c.MaxTokenAge) * time.Second
		if maxTokenAge == 0 {
			maxTokenAge = 24 * time.Hour
		}

		roleMapper, err := rolemap.New(rolemap.Config{
			AdminRoles:  c.RoleMapping.AdminRoles,
			UserRoles:   c.RoleMapping.UserRoles,
			GuestRoles:  c.RoleMapping.GuestRoles,
			DefaultRole: auth.Role(c.RoleMapping.DefaultRole),
			CELExpr:     c.RoleMapping.CELExpr,
		})
		if err != nil {
			return nil, fmt.Errorf("jwtauth: idp %s: %w", c.Issuer, err)
		}

		compiled[c.Issuer] = &idp{
			issuer:         c.Issuer,
			jwksURI:        c.JWKSURI,
			audience:       c.Audience,
			algorithms:     algs,
			claimMappings:  mappings,
			clockTolerance: clockTolerance,
			maxTokenAge:    maxTokenAge,
			requireNbf:     c.RequireNbf,
			roleMapper:     roleMapper,
		}
	}

	return &Authenticator{idps: compiled, jwks: cache, auditor: auditor, devMode: devMode}, nil
}

// Authenticate runs the full validation algorithm against token. idpHint, if
// non-empty, forces IDP resolution by name instead of by the iss claim.
//
// Per spec step 4.D's rejection policy: a role-mapping failure or resulting
// UNASSIGNED_ROLE does not return an error — it returns a Result with
// Rejected = true and a session carrying Role = RoleUnassigned. Structural
// and cryptographic failures return a *brokererr.Error instead.
func (a *Authenticator) Authenticate(ctx context.Context, token string, idpHint string) (*Result, error) {
	segments := strings.Split(token, ".")
	if len(segments) != 3 {
		return nil, a.fail(ctx, brokererr.New(brokererr.KindInvalidFormat, "token must have three segments"))
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, a.fail(ctx, brokererr.Wrap(brokererr.KindInvalidEncoding, "header not valid base64url", err))
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(segments[1])
	if err != nil {
		return nil, a.fail(ctx, brokererr.Wrap(brokererr.KindInvalidEncoding, "payload not valid base64url", err))
	}

	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, a.fail(ctx, brokererr.Wrap(brokererr.KindInvalidFormat, "header not valid JSON", err))
	}

	var rawClaims map[string]any
	if err := json.Unmarshal(payloadJSON, &rawClaims); err != nil {
		return nil, a.fail(ctx, brokererr.Wrap(brokererr.KindInvalidFormat, "payload not valid JSON", err))
	}

	resolved, err := a.resolveIDP(idpHint, rawClaims)
	if err != nil {
		return nil, a.fail(ctx, err)
	}

	if _, ok := resolved.algorithms[header.Alg]; !ok {
		return nil, a.fail(ctx, brokererr.New(brokererr.KindSignatureInvalid,
			fmt.Sprintf("algorithm %s not accepted for issuer %s", header.Alg, resolved.issuer)))
	}
	if header.Kid == "" {
		return nil, a.fail(ctx, brokererr.New(brokererr.KindUnknownKid, "token header missing kid"))
	}

	key, err := a.jwks.Key(ctx, resolved.jwksURI, header.Kid)
	if err != nil {
		return nil, a.fail(ctx, brokererr.Wrap(brokererr.KindUnknownKid, "kid not found in JWKS", err))
	}

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return key, nil
	}, jwt.WithValidMethods(validMethodNames(resolved.algorithms)), jwt.WithLeeway(resolved.clockTolerance))
	if err != nil {
		return nil, a.fail(ctx, classifyParseError(err))
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, a.fail(ctx, brokererr.New(brokererr.KindInvalidClaim, "claims are not a map"))
	}

	if err := validateTimeBounds(claims, resolved); err != nil {
		return nil, a.fail(ctx, err)
	}
	if err := validateAudience(claims, resolved.audience); err != nil {
		return nil, a.fail(ctx, err)
	}

	session, result := a.projectClaims(rawClaims, resolved, token)
	a.audit(ctx, session, result)
	return result, nil
}

func validMethodNames(algs map[string]struct{}) []string {
	out := make([]string, 0, len(algs))
	for a := range algs {
		out = append(out, a)
	}
	return out
}

func classifyParseError(err error) *brokererr.Error {
	switch {
	case jwt.ErrTokenExpired != nil && isErr(err, jwt.ErrTokenExpired):
		return brokererr.Wrap(brokererr.KindTokenExpired, "token expired", err)
	case isErr(err, jwt.ErrTokenNotValidYet):
		return brokererr.Wrap(brokererr.KindNotBefore, "token not yet valid", err)
	case isErr(err, jwt.ErrTokenSignatureInvalid):
		return brokererr.Wrap(brokererr.KindSignatureInvalid, "signature verification failed", err)
	case isErr(err, jwt.ErrTokenMalformed):
		return brokererr.Wrap(brokererr.KindInvalidFormat, "token malformed", err)
	default:
		return brokererr.Wrap(brokererr.KindSignatureInvalid, "token verification failed", err)
	}
}

func isErr(err, target error) bool {
	for e := err; e != nil; {
		if e == target {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

func (a *Authenticator) resolveIDP(idpHint string, claims map[string]any) (*idp, error) {
	if idpHint != "" {
		if i, ok := a.idps[idpHint]; ok {
			return i, nil
		}
		if i := a.lookupByIssuer(idpHint); i != nil {
			return i, nil
		}
		return nil, brokererr.New(brokererr.KindUntrustedIssuer, fmt.Sprintf("unknown IDP hint %q", idpHint))
	}
	iss, _ := claims["iss"].(string)
	if iss == "" {
		return nil, brokererr.New(brokererr.KindMissingClaim, "token missing iss claim")
	}
	i := a.lookupByIssuer(iss)
	if i == nil {
		return nil, brokererr.New(brokererr.KindUntrustedIssuer, fmt.Sprintf("issuer %q is not trusted", iss))
	}
	return i, nil
}

func (a *Authenticator) lookupByIssuer(issuer string) *idp {
	return a.idps[issuer]
}

func validateTimeBounds(claims jwt.MapClaims, i *idp) *brokererr.Error {
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return brokererr.New(brokererr.KindMissingClaim, "token missing exp claim")
	}
	if time.Now().After(exp.Add(i.clockTolerance)) {
		return brokererr.New(brokererr.KindTokenExpired, "token expired")
	}

	iat, err := claims.GetIssuedAt()
	if err == nil && iat != nil {
		if iat.Time.Before(time.Now().Add(-i.maxTokenAge)) {
			return brokererr.New(brokererr.KindTokenExpired, "token exceeds max age")
		}
	}

	if i.requireNbf {
		nbf, err := claims.GetNotBefore()
		if err != nil || nbf == nil {
			return brokererr.New(brokererr.KindMissingClaim, "token missing required nbf claim")
		}
		if time.Now().Add(i.clockTolerance).Before(nbf.Time) {
			return brokererr.New(brokererr.KindNotBefore, "token not yet valid")
		}
	}
	return nil
}

func validateAudience(claims jwt.MapClaims, expected string) *brokererr.Error {
	if expected == "" {
		return nil
	}
	auds, err := claims.GetAudience()
	if err != nil {
		return brokererr.New(brokererr.KindInvalidClaim, "token has invalid aud claim")
	}
	for _, a := range auds {
		if a == expected {
			return nil
		}
	}
	return brokererr.New(brokererr.KindInvalidClaim, "token audience does not contain expected value")
}

// projectClaims implements spec steps 4.D.5-4.D.7. It never returns an
// error: role-mapping failures are folded into a rejected session.
func (a *Authenticator) projectClaims(claims map[string]any, i *idp, token string) (*auth.UserSession, *Result) {
	userID, _ := lookupPath(claims, i.claimMappings.UserID).(string)
	username, _ := lookupPath(claims, i.claimMappings.Username).(string)
	legacyUsername, _ := lookupPath(claims, i.claimMappings.LegacyUsername).(string)

	rawRoles, err := rolemap.NormalizeRoleClaim(lookupPath(claims, i.claimMappings.Roles))
	if err != nil {
		session := &auth.UserSession{
			UserID:         userID,
			Username:       username,
			LegacyUsername: legacyUsername,
			Role:           auth.RoleUnassigned,
			Claims:         claims,
			Rejected:       true,
			RejectReason:   err.Error(),
			RequestorJWT:   token,
		}
		return session, &Result{Session: session, Rejected: true, RejectionReason: err.Error()}
	}

	role, reason := i.roleMapper.SelectRole(rawRoles, claims)
	rejected := role == auth.RoleUnassigned

	scopes := map[string]struct{}{}
	if scopeStr, ok := lookupPath(claims, i.claimMappings.Scopes).(string); ok {
		for _, s := range strings.Fields(scopeStr) {
			scopes[s] = struct{}{}
		}
	}

	session := &auth.UserSession{
		UserID:         userID,
		Username:       username,
		LegacyUsername: legacyUsername,
		Role:           role,
		CustomRoles:    rawRoles,
		Scopes:         scopes,
		Claims:         claims,
		Rejected:       rejected,
		RejectReason:   reason,
		RequestorJWT:   token,
	}
	return session, &Result{Session: session, Rejected: rejected, RejectionReason: reason}
}

func lookupPath(claims map[string]any, path string) any {
	if path == "" {
		return nil
	}
	parts := strings.Split(path, ".")
	var cur any = claims
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func (a *Authenticator) fail(ctx context.Context, err error) error {
	if a.auditor != nil {
		a.auditor.Append(ctx, auditEntryShape{
			"source":  "auth:service",
			"success": false,
			"error":   err.Error(),
		})
	}
	return err
}

func (a *Authenticator) audit(ctx context.Context, session *auth.UserSession, result *Result) {
	if a.auditor == nil {
		return
	}
	entry := auditEntryShape{
		"source":  "auth:service",
		"userId":  session.UserID,
		"success": !result.Rejected,
	}
	if result.Rejected {
		entry["reason"] = result.RejectionReason
	}
	a.auditor.Append(ctx, entry)
}
