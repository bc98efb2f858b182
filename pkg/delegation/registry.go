package delegation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/metrics"
	"github.com/stacklok/authbroker/pkg/telemetry"
)

// Auditor is the append sink every Registry writes trust-boundary and
// delegation outcome entries through.
type Auditor interface {
	Append(ctx context.Context, entry map[string]any)
}

// Registry holds every registered delegation module and mediates all
// access to them. It is the trust boundary: a module's own account of
// success is never propagated to a caller without the registry comparing
// it against what it independently observed.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	auditor Auditor
}

// NewRegistry constructs an empty Registry.
func NewRegistry(auditor Auditor) *Registry {
	return &Registry{modules: make(map[string]Module), auditor: auditor}
}

// Register adds module under its own Name(). Registering a second module
// under the same name replaces the first.
func (r *Registry) Register(module Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[module.Name()] = module
}

// Unregister removes a module by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, name)
}

// Get returns the module registered under name.
func (r *Registry) Get(name string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Has reports whether a module is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.modules[name]
	return ok
}

// List returns the names of every registered module.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// InitializeAll calls Initialize on every registered module, stopping at
// the first failure.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	modules := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		modules = append(modules, m)
	}
	r.mu.RUnlock()

	for _, m := range modules {
		if err := m.Initialize(ctx); err != nil {
			return fmt.Errorf("delegation: initialize module %s: %w", m.Name(), err)
		}
	}
	return nil
}

// DestroyAll calls Destroy on every registered module, collecting rather
// than stopping at errors so a single stuck module doesn't leak the rest.
func (r *Registry) DestroyAll(ctx context.Context) []error {
	r.mu.RLock()
	modules := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		modules = append(modules, m)
	}
	r.mu.RUnlock()

	var errs []error
	for _, m := range modules {
		if err := m.Destroy(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delegation: destroy module %s: %w", m.Name(), err))
		}
	}
	return errs
}

// HealthCheckAll runs HealthCheck against every registered module and
// returns the per-module results.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	modules := make(map[string]Module, len(r.modules))
	for name, m := range r.modules {
		modules[name] = m
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(modules))
	for name, m := range modules {
		results[name] = m.HealthCheck(ctx)
	}
	return results
}

// Delegate looks up moduleName and invokes its Delegate, then runs the
// trust-boundary protocol: the registry's own observation of success
// (Result.Success, computed from the module's actual operation) is treated
// as ground truth and compared against the module's self-authored
// AuditTrail.Success. A mismatch never changes the Result returned to the
// caller — the ground-truth outcome always stands — but it is independently
// audited as a trust_boundary_violation so a buggy or malicious module
// cannot launder a failure into a clean-looking audit log.
func (r *Registry) Delegate(ctx context.Context, moduleName string, session *auth.UserSession, req Request) (result Result, err error) {
	ctx, end := telemetry.StartSpan(ctx, "delegation.delegate")
	defer func() { end(err) }()

	module, ok := r.Get(moduleName)
	if !ok {
		r.emit(ctx, "delegation:registry", session, false, time.Now(), map[string]any{
			"reason": fmt.Sprintf("no module registered as %q", moduleName),
		})
		return Result{}, fmt.Errorf("delegation: no module registered as %q", moduleName)
	}

	result, trail, err := module.Delegate(ctx, session, req)
	if err != nil {
		metrics.DelegationInvocationsTotal.WithLabelValues(moduleName, "error").Inc()
		r.emit(ctx, fmt.Sprintf("delegation:%s", moduleName), session, false, time.Now(), map[string]any{
			"reason": err.Error(),
		})
		return Result{}, err
	}

	registryVerifiedSuccess := result.Success
	moduleReportedSuccess := trail.Success
	source := trail.Source
	if source == "" {
		source = fmt.Sprintf("delegation:%s", moduleName)
	}

	// registryTimestamp is computed once and stamped on both the overlaid
	// entry below and any trust_boundary_violation entry, so the two events
	// emitted from this single Delegate call are provably correlated — spec
	// relies on the pair sharing one timestamp to prove they came from the
	// same invocation.
	registryTimestamp := time.Now()

	if moduleReportedSuccess != registryVerifiedSuccess {
		metrics.TrustBoundaryViolationsTotal.WithLabelValues(moduleName).Inc()
		r.emit(ctx, "delegation:registry:security", session, false, registryTimestamp, map[string]any{
			"action":                  "trust_boundary_violation",
			"module":                  moduleName,
			"moduleReportedSuccess":   moduleReportedSuccess,
			"registryVerifiedSuccess": registryVerifiedSuccess,
		})
	}

	outcome := "success"
	if !registryVerifiedSuccess {
		outcome = "failure"
	}
	metrics.DelegationInvocationsTotal.WithLabelValues(moduleName, outcome).Inc()

	fields := map[string]any{
		"moduleReportedSuccess":   moduleReportedSuccess,
		"registryVerifiedSuccess": registryVerifiedSuccess,
	}
	for k, v := range trail.Metadata {
		fields[k] = v
	}
	r.emit(ctx, source, session, registryVerifiedSuccess, registryTimestamp, fields)

	return result, nil
}

func (r *Registry) emit(ctx context.Context, source string, session *auth.UserSession, success bool, timestamp time.Time, fields map[string]any) {
	if r.auditor == nil {
		return
	}
	userID := ""
	if session != nil {
		userID = session.UserID
	}
	entry := map[string]any{
		"source":    source,
		"userId":    userID,
		"success":   success,
		"timestamp": timestamp,
	}
	for k, v := range fields {
		entry[k] = v
	}
	r.auditor.Append(ctx, entry)
}
