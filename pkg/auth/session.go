// Package auth holds the UserSession data model produced by the JWT
// authenticator and consumed by every other component in the broker.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
)

// Role is one of the broker's internal authorization roles.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
	// RoleUnassigned is the sentinel signalling that role mapping failed.
	// It is always paired with Rejected = true.
	RoleUnassigned Role = "UNASSIGNED_ROLE"
)

// UserSession is produced once per request by the JWT authenticator and
// threaded through the rest of the broker. It is never persisted and is
// discarded when the request completes.
//
// Invariant: Rejected == (Role == RoleUnassigned).
type UserSession struct {
	UserID         string
	Username       string
	LegacyUsername string // optional; empty if unresolved at auth time
	Role           Role
	CustomRoles    []string
	Scopes         map[string]struct{}
	Claims         map[string]any
	Rejected       bool
	RejectReason   string

	// RequestorJWT is the exact bytes of the bearer token that produced this
	// session. It is required unredacted for token-exchange AAD binding, so
	// it is excluded from String() and MarshalJSON() like every other
	// sensitive field.
	RequestorJWT string

	version uint64
}

// String renders a redacted representation safe for logs.
func (s *UserSession) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("UserSession{UserID:%q Role:%q Rejected:%v}", s.UserID, s.Role, s.Rejected)
}

// MarshalJSON redacts RequestorJWT and Claims (which may carry the same
// sensitive material) from structured log output.
func (s *UserSession) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("null"), nil
	}
	type safe struct {
		UserID         string   `json:"userId"`
		Username       string   `json:"username"`
		LegacyUsername string   `json:"legacyUsername,omitempty"`
		Role           Role     `json:"role"`
		CustomRoles    []string `json:"customRoles,omitempty"`
		Rejected       bool     `json:"rejected"`
		RejectReason   string   `json:"rejectReason,omitempty"`
		Version        uint64   `json:"version"`
	}
	return json.Marshal(&safe{
		UserID:         s.UserID,
		Username:       s.Username,
		LegacyUsername: s.LegacyUsername,
		Role:           s.Role,
		CustomRoles:    s.CustomRoles,
		Rejected:       s.Rejected,
		RejectReason:   s.RejectReason,
		Version:        s.version,
	})
}

// HasScope reports whether the session carries the given OAuth scope.
func (s *UserSession) HasScope(scope string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Scopes[scope]
	return ok
}

// HasAnyRole reports whether any of the session's raw custom roles matches
// one of the given candidates. Used by delegation modules applying the SQL
// role-gated authorization matrix against roles carried by a delegation
// token rather than the mapped internal Role.
func (s *UserSession) HasAnyRole(candidates ...string) bool {
	if s == nil {
		return false
	}
	set := make(map[string]struct{}, len(s.CustomRoles))
	for _, r := range s.CustomRoles {
		set[r] = struct{}{}
	}
	for _, c := range candidates {
		if _, ok := set[c]; ok {
			return true
		}
	}
	return false
}

// sessionContextKey is an unexported empty-struct type so that values
// stored under it cannot collide with context keys from other packages.
type sessionContextKey struct{}

// WithSession stores a UserSession in ctx. A nil session leaves ctx
// unchanged, matching the nil-is-a-no-op convention used throughout this
// package's context helpers.
func WithSession(ctx context.Context, session *UserSession) context.Context {
	if session == nil {
		return ctx
	}
	return context.WithValue(ctx, sessionContextKey{}, session)
}

// SessionFromContext retrieves the UserSession stored by WithSession.
func SessionFromContext(ctx context.Context) (*UserSession, bool) {
	session, ok := ctx.Value(sessionContextKey{}).(*UserSession)
	return session, ok
}
