// Package rolemap derives an internal authorization role from the raw role
// claim values a caller's token carries.
package rolemap

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/stacklok/authbroker/pkg/auth"
)

// Config is the ordered-bucket role mapping configuration for one identity
// provider. Tie-break order is fixed: admin wins over user wins over guest,
// regardless of the order roles appear in the input.
//
// CELExpr, if set, is evaluated first against the token's raw roles and
// claims and takes priority over the bucket rule below; it exists for IDPs
// whose role semantics don't fit a flat role-name bucket (e.g. "admin of any
// tenant" derived from a nested claim). The expression must evaluate to a
// string naming one of "admin", "user", or "guest"; any other result, or an
// evaluation error, falls through to the ordered-bucket rule rather than
// rejecting the session outright.
type Config struct {
	AdminRoles  []string
	UserRoles   []string
	GuestRoles  []string
	DefaultRole auth.Role
	CELExpr     string
}

// Mapper evaluates raw role claim values against a compiled Config.
type Mapper struct {
	admin   map[string]struct{}
	user    map[string]struct{}
	guest   map[string]struct{}
	def     auth.Role
	program cel.Program // nil if Config.CELExpr was empty
}

// New compiles cfg into a Mapper. The lookup sets are built once so that
// SelectRole is allocation-free on the hot path. A non-empty CELExpr that
// fails to compile is a configuration error, since a broken custom rule
// should fail the broker at startup rather than silently degrade every
// request to the bucket fallback.
func New(cfg Config) (*Mapper, error) {
	def := cfg.DefaultRole
	if def == "" {
		def = auth.RoleUnassigned
	}
	m := &Mapper{
		admin: toSet(cfg.AdminRoles),
		user:  toSet(cfg.UserRoles),
		guest: toSet(cfg.GuestRoles),
		def:   def,
	}
	if cfg.CELExpr == "" {
		return m, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("roles", cel.ListType(cel.StringType)),
		cel.Variable("claims", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("rolemap: create CEL environment: %w", err)
	}
	ast, iss := env.Compile(cfg.CELExpr)
	if iss.Err() != nil {
		return nil, fmt.Errorf("rolemap: compile CEL role rule: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("rolemap: build CEL program: %w", err)
	}
	m.program = prg
	return m, nil
}

func toSet(roles []string) map[string]struct{} {
	set := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		set[r] = struct{}{}
	}
	return set
}

// SelectRole maps the caller's raw role values to one internal role. The
// input is expected to already be a []string (callers holding a raw JSON
// claim value must normalize singleton strings to a one-element slice
// before calling this, as spec step 4.D.5 requires); a type mismatch at
// that earlier step is what produces RoleUnassigned, not this function.
//
// Tie-break: admin > user > guest. If none of the raw roles fall in any
// configured bucket, the configured DefaultRole is returned (RoleUnassigned
// if unset).
//
// claims is passed through to an optional CEL rule (see Config.CELExpr); it
// may be nil for callers that never configure one.
func (m *Mapper) SelectRole(rawRoles []string, claims map[string]any) (auth.Role, string) {
	if m.program != nil {
		if role, ok := m.evalCEL(rawRoles, claims); ok {
			return role, ""
		}
	}

	if len(rawRoles) == 0 {
		return m.def, "no roles present in token"
	}

	var sawAdmin, sawUser, sawGuest bool
	for _, r := range rawRoles {
		if _, ok := m.admin[r]; ok {
			sawAdmin = true
		}
		if _, ok := m.user[r]; ok {
			sawUser = true
		}
		if _, ok := m.guest[r]; ok {
			sawGuest = true
		}
	}

	switch {
	case sawAdmin:
		return auth.RoleAdmin, ""
	case sawUser:
		return auth.RoleUser, ""
	case sawGuest:
		return auth.RoleGuest, ""
	default:
		return m.def, fmt.Sprintf("no configured bucket matched roles %v", rawRoles)
	}
}

// evalCEL runs the compiled custom role rule. It reports ok=false on any
// evaluation error or non-string/unrecognized result, signalling the caller
// to fall through to the ordered-bucket rule rather than reject the session.
func (m *Mapper) evalCEL(rawRoles []string, claims map[string]any) (auth.Role, bool) {
	rolesArg := make([]any, len(rawRoles))
	for i, r := range rawRoles {
		rolesArg[i] = r
	}
	if claims == nil {
		claims = map[string]any{}
	}

	out, _, err := m.program.Eval(map[string]any{
		"roles":  rolesArg,
		"claims": claims,
	})
	if err != nil {
		return "", false
	}
	name, ok := out.Value().(string)
	if !ok {
		return "", false
	}
	switch name {
	case "admin":
		return auth.RoleAdmin, true
	case "user":
		return auth.RoleUser, true
	case "guest":
		return auth.RoleGuest, true
	default:
		return "", false
	}
}

// NormalizeRoleClaim converts a raw JSON claim value into a []string per
// spec step 4.D.5: the roles source must be an array or a string (singleton-
// wrapped); any other type is a role-mapping error.
func NormalizeRoleClaim(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		if v == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("roles claim element is not a string: %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("roles claim has unsupported type %T", raw)
	}
}
