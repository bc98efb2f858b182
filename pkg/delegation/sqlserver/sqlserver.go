// Package sqlserver implements the SQL Server database delegation module:
// connection pooling via database/sql and denisenkom/go-mssqldb, legacy
// identity resolution, role-gated SQL authorization, and scoped
// EXECUTE AS USER / REVERT identity switching.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // registers the "sqlserver" driver

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/auth/tokencache"
	"github.com/stacklok/authbroker/pkg/auth/tokenexchange"
	"github.com/stacklok/authbroker/pkg/brokererr"
	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/delegation"
	"github.com/stacklok/authbroker/pkg/delegation/sqlguard"
	"github.com/stacklok/authbroker/pkg/logging"
)

// Module delegates SQL queries to a SQL Server database under a legacy
// identity resolved either from a token exchange or the caller's session.
// Unlike PostgreSQL's session-scoped SET ROLE, SQL Server's EXECUTE AS USER
// is scoped to the connection for the life of the request, so the revert
// must run on the exact same *sql.Conn the switch happened on.
type Module struct {
	name string
	cfg  config.DelegationModuleConfig
	db   *sql.DB

	exchange *tokenexchange.Engine
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
	if m.db != nil {
		return nil
	}
	db, err := sql.Open("sqlserver", m.cfg.ConnectionURL)
	if err != nil {
		return fmt.Errorf("sqlserver[%s]: open: %w", m.name, err)
	}
	if m.cfg.PoolMax > 0 {
		db.SetMaxOpenConns(m.cfg.PoolMax)
	}
	if m.cfg.PoolMin > 0 {
		db.SetMaxIdleConns(m.cfg.PoolMin)
	}
	if m.cfg.IdleTimeoutMS > 0 {
		db.SetConnMaxIdleTime(time.Duration(m.cfg.IdleTimeoutMS) * time.Millisecond)
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlserver[%s]: ping: %w", m.name, err)
	}
	m.db = db
	logging.Infof("sqlserver[%s]: pool initialized", m.name)
	return nil
}

// HealthCheck implements delegation.Module.
func (m *Module) HealthCheck(ctx context.Context) error {
	if m.db == nil {
		return fmt.Errorf("sqlserver[%s]: pool not initialized", m.name)
	}
	return m.db.PingContext(ctx)
}

// Destroy implements delegation.Module.
func (m *Module) Destroy(context.Context) error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}

type legacyIdentity struct {
	username          string
	roles             []string
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

// Delegate implements delegation.Module.
func (m *Module) Delegate(ctx context.Context, session *auth.UserSession, req delegation.Request) (delegation.Result, delegation.AuditTrail, error) {
	source := fmt.Sprintf("delegation:%s", m.name)

	identity, err := m.resolveLegacyIdentity(ctx, session)
	if err != nil {
		return delegation.Result{}, delegation.AuditTrail{Source: source, Success: false}, err
	}

	// SQL Server identifiers for EXECUTE AS USER permit the DOMAIN\user form.
	if err := sqlguard.ValidateIdentifier(identity.username, true); err != nil {
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

// executeScoped acquires a single *sql.Conn (pinning the request to one
// physical connection, required since EXECUTE AS USER is connection-scoped
// on SQL Server), switches identity, executes, and always reverts on that
// same connection before releasing it back to the pool.
func (m *Module) executeScoped(ctx context.Context, legacyUsername, query string, args []any) (delegation.Result, error) {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return delegation.Result{}, fmt.Errorf("sqlserver[%s]: acquire connection: %w", m.name, err)
	}
	defer conn.Close()

	quoted := "'" + strings.ReplaceAll(legacyUsername, "'", "''") + "'"
	if _, err := conn.ExecContext(ctx, "EXECUTE AS USER = "+quoted); err != nil {
		return delegation.Result{}, fmt.Errorf("sqlserver[%s]: switch identity: %w", m.name, err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "REVERT"); err != nil {
			logging.Warnf("sqlserver[%s]: revert identity for %s failed: %v", m.name, legacyUsername, err)
		}
	}()

	return runStatement(ctx, conn, query, args)
}

func runStatement(ctx context.Context, conn *sql.Conn, query string, args []any) (delegation.Result, error) {
	class := sqlguard.ClassifyStatement(query)
	if class == sqlguard.ClassRead {
		rows, err := conn.QueryContext(ctx, query, args...)
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

	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return delegation.Result{}, err
	}
	rowsAffected, _ := result.RowsAffected()
	return delegation.Result{Success: true, RowCount: rowsAffected, Command: string(class)}, nil
}

func collectRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
