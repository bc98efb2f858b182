// Package delegation implements the delegation registry: the trust
// boundary between a caller and the downstream systems a delegation module
// acts against on the caller's behalf.
package delegation

import (
	"context"

	"github.com/stacklok/authbroker/pkg/auth"
)

// Result is the operational outcome of a Delegate call: what actually
// happened, as the registry is willing to trust it. Success here is
// computed from whether the module's action itself completed, independent
// of whatever the module's self-authored AuditTrail claims.
type Result struct {
	Success  bool
	RowCount int64
	Command  string
	Message  string
	Rows     []map[string]any
}

// AuditTrail is the module-authored audit record attached to a Delegate
// call. A module constructs this itself, which means its Success field is
// not ground truth — see Registry.Delegate's trust-boundary check.
type AuditTrail struct {
	Source   string
	Success  bool
	Metadata map[string]any
}

// Request carries the caller's intent into a module. Its Operation field is
// free-form per module type (a SQL statement for the database modules, for
// instance); the registry does not interpret it.
type Request struct {
	Operation string
	Params    map[string]any
}

// Module is the contract every delegation backend (database identity
// switching, an external service call, …) implements. Modules are
// registered once at startup and invoked once per request.
type Module interface {
	// Name identifies the module in configuration, audit entries, and
	// metrics labels.
	Name() string

	// Initialize prepares the module (connection pools, exchange engines)
	// for use. Called once during registry startup.
	Initialize(ctx context.Context) error

	// Delegate performs the module's action as session. err is reserved for
	// failures the registry itself should treat as a hard stop (module not
	// initialized, context cancelled); any failure the module wants
	// reflected to the caller as a normal outcome belongs in Result.
	Delegate(ctx context.Context, session *auth.UserSession, req Request) (Result, AuditTrail, error)

	// HealthCheck reports whether the module's downstream dependency is
	// reachable.
	HealthCheck(ctx context.Context) error

	// Destroy releases any resources the module holds.
	Destroy(ctx context.Context) error
}
