// Package postgres implements the PostgreSQL database delegation module:
// connection pooling, legacy identity resolution via token exchange,
// role-gated SQL authorization, and scoped SET ROLE / RESET ROLE identity
// switching.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/auth/tokencache"
	"github.com/stacklok/authbroker/pkg/auth/tokenexchange"
	"github.com/stacklok/authbroker/pkg/brokererr"
	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/delegation"
	"github.com/stacklok/authbroker/pkg/delegation/sqlguard"
	"github.com/stacklok/authbroker/pkg/logging"
)

// Module delegates SQL queries to a PostgreSQL database under a legacy
// identity resolved either from a token exchange or the caller's session.
type Module struct {
	name string
	cfg  config.DelegationModuleConfig
	pool *pgxpool.Pool

	exchange *tokenexchange.Engine // nil if token exchange is not configured
}

// New constructs a Module. The connection pool is created lazily on the
// first Initialize call.
func New(name string, cfg config.DelegationModuleConfig, cache *tokencache.Cache) *Module {
	m := &Module{name: name, cfg: cfg}
	if cfg.TokenExchange != nil {
		m.exchange = tokenexchange.New(name, *cfg.TokenExchange, cache)
	}
	return m
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Initialize implements delegation.Module.
func (m *Module) Initialize(ctx context.Context) error {
	if m.pool != nil {
		return nil
	}
	poolCfg, err := pgxpool.ParseConfig(m.cfg.ConnectionURL)
	if err != nil {
		return fmt.Errorf("postgres[%s]: parse connection URL: %w", m.name, err)
	}
	if m.cfg.PoolMin > 0 {
		poolCfg.MinConns = int32(m.cfg.PoolMin)
	}
	if m.cfg.PoolMax > 0 {
		poolCfg.MaxConns = int32(m.cfg.PoolMax)
	}
	if m.cfg.IdleTimeoutMS > 0 {
		poolCfg.MaxConnIdleTime = time.Duration(m.cfg.IdleTimeoutMS) * time.Millisecond
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("postgres[%s]: create pool: %w", m.name, err)
	}
	m.pool = pool
	logging.Infof("postgres[%s]: pool initialized", m.name)
	return nil
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) error {
	if m.pool == nil {
		return fmt.Errorf("postgres[%s]: pool not initialized", m.name)
	}
	return m.pool.Ping(ctx)
}

// Destroy implements delegation.Module.
func (m *Module) Destroy(context.Context) error {
	if m.pool != nil {
		m.pool.Close()
	}
	return nil
}

// legacyIdentity is the resolved effective database principal plus the
// roles, if any, available to authorize the requested statement.
type legacyIdentity struct {
	username        string
	roles           []string
	tokenExchangeUsed bool
}

func (m *Module) resolveLegacyIdentity(ctx context.Context, session *auth.UserSession) (*legacyIdentity, error) {
	if m.exchange != nil {
		identity, err := m.exchange.Resolve(ctx, session)
		if err != nil {
			return nil, err
		}
		claimName := "legacy_name"
		if m.cfg.TokenExchange.RequiredClaim != "" {
			claimName = m.cfg.TokenExchange.RequiredClaim
		}
		username, ok := identity.Claims[claimName].(string)
		if !ok || username == "" {
			return nil, brokererr.New(brokererr.KindUnresolvedLegacyIdentity,
				fmt.Sprintf("exchanged token missing required claim %q", claimName))
		}
		var roles []string
		if m.cfg.TokenExchange.RolesClaim != "" {
			roles = extractRoles(identity.Claims[m.cfg.TokenExchange.RolesClaim])
		}
		return &legacyIdentity{username: username, roles: roles, tokenExchangeUsed: true}, nil
	}

	if session.LegacyUsername != "" {
		return &legacyIdentity{username: session.LegacyUsername, roles: session.CustomRoles}, nil
	}

	return nil, brokererr.New(brokererr.KindUnresolvedLegacyIdentity,
		"no token exchange configured and session carries no legacy username")
}

func extractRoles(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return strings.Fields(t)
	default:
		return nil
	}
}

// Delegate implements delegation.Module. Every operation's SQL runs through
// the role-gated authorization matrix regardless of the requested
// operation name, then the connection's effective identity is switched to
// the resolved legacy principal via SET ROLE, executed, and always
// reverted via RESET ROLE before releasing the connection, on every exit
// path.
func (m *Module) Delegate(ctx context.Context, session *auth.UserSession, req delegation.Request) (delegation.Result, delegation.AuditTrail, error) {
	source := fmt.Sprintf("delegation:%s", m.name)

	identity, err := m.resolveLegacyIdentity(ctx, session)
	if err != nil {
		return delegation.Result{}, delegation.AuditTrail{Source: source, Success: false}, err
	}

	if err := sqlguard.ValidateIdentifier(identity.username, false); err != nil {
		return delegation.Result{}, delegation.AuditTrail{Source: source, Success: false}, err
	}

	sql, _ := req.Params["sql"].(string)
	if err := sqlguard.Authorize(sql, identity.roles); err != nil {
		return delegation.Result{Success: false, Message: "not authorized"},
			delegation.AuditTrail{Source: source, Success: false, Metadata: map[string]any{
				"legacyUsername":    identity.username,
				"tokenExchangeUsed": identity.tokenExchangeUsed,
			}}, nil
	}

	result, execErr := m.executeScoped(ctx, identity.username, sql, paramsOf(req))

	trail := delegation.AuditTrail{
		Source:  source,
		Success: execErr == nil,
		Metadata: map[string]any{
			"legacyUsername":    identity.username,
			"tokenExchangeUsed": identity.tokenExchangeUsed,
		},
	}
	if execErr != nil {
		// The driver's error text can quote SQL or identifiers, so it goes
		// to the audit trail only.
		trail.Metadata["reason"] = execErr.Error()
		return delegation.Result{Success: false, Message: "statement execution failed"}, trail, nil
	}
	return result, trail, nil
}

func paramsOf(req delegation.Request) []any {
	args, _ := req.Params["args"].([]any)
	return args
}

// executeScoped implements the acquire/switch/execute/revert state machine.
// RESET ROLE always runs before the connection is released, including when
// execution panics or the context is cancelled mid-query.
func (m *Module) executeScoped(ctx context.Context, legacyUsername, sql string, args []any) (result delegation.Result, err error) {
	conn, acquireErr := m.pool.Acquire(ctx)
	if acquireErr != nil {
		return delegation.Result{}, fmt.Errorf("postgres[%s]: acquire connection: %w", m.name, acquireErr)
	}
	defer conn.Release()

	if _, setErr := conn.Exec(ctx, "SET ROLE "+sqlguard.QuotePostgresIdentifier(legacyUsername)); setErr != nil {
		return delegation.Result{}, fmt.Errorf("postgres[%s]: switch identity: %w", m.name, setErr)
	}
	defer func() {
		// A secondary revert failure is swallowed: the connection is
		// returned to the pool either way and pgxpool treats a dirty
		// session as a reason to drop rather than reuse it on next Acquire
		// only if we mark it, which is out of scope here.
		if _, resetErr := conn.Exec(context.Background(), "RESET ROLE"); resetErr != nil {
			logging.Warnf("postgres[%s]: revert identity for %s failed: %v", m.name, legacyUsername, resetErr)
		}
	}()

	return runStatement(ctx, conn, sql, args)
}

func runStatement(ctx context.Context, conn *pgxpool.Conn, sql string, args []any) (delegation.Result, error) {
	class := sqlguard.ClassifyStatement(sql)
	if class == sqlguard.ClassRead {
		rows, err := conn.Query(ctx, sql, args...)
		if err != nil {
			return delegation.Result{}, err
		}
		defer rows.Close()
		data, err := collectRows(rows)
		if err != nil {
			return delegation.Result{}, err
		}
		return delegation.Result{Success: true, Rows: data}, nil
	}

	tag, err := conn.Exec(ctx, sql, args...)
	if err != nil {
		return delegation.Result{}, err
	}
	return delegation.Result{
		Success:  true,
		RowCount: tag.RowsAffected(),
		Command:  string(class),
		Message:  tag.String(),
	}, nil
}

func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[string(f.Name)] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
