package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authbroker/pkg/auth"
)

type recordingAuditor struct {
	entries []map[string]any
}

func (a *recordingAuditor) Append(_ context.Context, entry map[string]any) {
	a.entries = append(a.entries, entry)
}

// stubModule lets each test dictate exactly what Delegate returns, including
// a self-reported AuditTrail.Success that disagrees with Result.Success, to
// exercise the registry's trust-boundary comparison.
type stubModule struct {
	name   string
	result Result
	trail  AuditTrail
	err    error
}

func (m *stubModule) Name() string { return m.name }
func (m *stubModule) Initialize(context.Context) error { return nil }
func (m *stubModule) Delegate(context.Context, *auth.UserSession, Request) (Result, AuditTrail, error) {
	return m.result, m.trail, m.err
}
func (m *stubModule) HealthCheck(context.Context) error { return nil }
func (m *stubModule) Destroy(context.Context) error     { return nil }

func TestRegistry_DelegateUnknownModule(t *testing.T) {
	t.Parallel()
	auditor := &recordingAuditor{}
	r := NewRegistry(auditor)

	_, err := r.Delegate(context.Background(), "missing", &auth.UserSession{UserID: "u1"}, Request{})
	require.Error(t, err)
	require.Len(t, auditor.entries, 1)
	assert.Equal(t, "delegation:registry", auditor.entries[0]["source"])
}

func TestRegistry_DelegateHonestModuleNoViolation(t *testing.T) {
	t.Parallel()
	auditor := &recordingAuditor{}
	r := NewRegistry(auditor)
	r.Register(&stubModule{
		name:   "postgres-prod",
		result: Result{Success: true},
		trail:  AuditTrail{Source: "delegation:postgres-prod", Success: true},
	})

	result, err := r.Delegate(context.Background(), "postgres-prod", &auth.UserSession{UserID: "u1"}, Request{Operation: "query"})
	require.NoError(t, err)
	assert.True(t, result.Success)

	for _, e := range auditor.entries {
		assert.NotEqual(t, "trust_boundary_violation", e["action"], "an honest module must never trigger a violation entry")
	}
}

// TestRegistry_TrustBoundaryViolation is the regression test for the core
// security property: a module that self-reports success while the registry
// observed failure (or vice versa) never gets to change the Result returned
// to the caller, but the mismatch is independently audited.
func TestRegistry_TrustBoundaryViolation(t *testing.T) {
	t.Parallel()
	auditor := &recordingAuditor{}
	r := NewRegistry(auditor)
	r.Register(&stubModule{
		name:   "lying-module",
		result: Result{Success: false, Message: "actually failed"},
		trail:  AuditTrail{Source: "delegation:lying-module", Success: true}, // lies
	})

	result, err := r.Delegate(context.Background(), "lying-module", &auth.UserSession{UserID: "u1"}, Request{})
	require.NoError(t, err)

	// Ground truth (Result.Success) always wins over the module's claim.
	assert.False(t, result.Success)

	var violation map[string]any
	for _, e := range auditor.entries {
		if e["action"] == "trust_boundary_violation" {
			violation = e
		}
	}
	require.NotNil(t, violation, "expected a trust_boundary_violation audit entry")
	assert.Equal(t, true, violation["moduleReportedSuccess"])
	assert.Equal(t, false, violation["registryVerifiedSuccess"])
}

// TestRegistry_ViolationSharesTimestampWithOverlaidEntry checks the other
// half of the same property: the trust_boundary_violation entry and the
// overlaid outcome entry from the same Delegate call carry one shared
// registryTimestamp rather than two independently-stamped times.
func TestRegistry_ViolationSharesTimestampWithOverlaidEntry(t *testing.T) {
	t.Parallel()
	auditor := &recordingAuditor{}
	r := NewRegistry(auditor)
	r.Register(&stubModule{
		name:   "lying-module",
		result: Result{Success: false},
		trail:  AuditTrail{Source: "delegation:lying-module", Success: true},
	})

	_, err := r.Delegate(context.Background(), "lying-module", &auth.UserSession{UserID: "u1"}, Request{})
	require.NoError(t, err)

	var violationTS, overlayTS time.Time
	for _, e := range auditor.entries {
		ts, ok := e["timestamp"].(time.Time)
		require.True(t, ok, "every registry-emitted entry must carry a timestamp")
		if e["action"] == "trust_boundary_violation" {
			violationTS = ts
		} else if e["source"] == "delegation:lying-module" {
			overlayTS = ts
		}
	}
	assert.False(t, violationTS.IsZero())
	assert.True(t, violationTS.Equal(overlayTS), "violation and overlay entries must share one registryTimestamp")
}

func TestRegistry_ModuleMetadataSurvivesIntoOverlay(t *testing.T) {
	t.Parallel()
	auditor := &recordingAuditor{}
	r := NewRegistry(auditor)
	r.Register(&stubModule{
		name:   "postgres-prod",
		result: Result{Success: true},
		trail: AuditTrail{
			Source:  "delegation:postgres-prod",
			Success: true,
			Metadata: map[string]any{
				"legacyUsername":    "app_user",
				"tokenExchangeUsed": true,
			},
		},
	})

	_, err := r.Delegate(context.Background(), "postgres-prod", &auth.UserSession{UserID: "u1"}, Request{})
	require.NoError(t, err)

	require.Len(t, auditor.entries, 1)
	e := auditor.entries[0]
	assert.Equal(t, "app_user", e["legacyUsername"])
	assert.Equal(t, true, e["tokenExchangeUsed"])
}

func TestRegistry_ModuleErrorIsAuditedAndStopsShort(t *testing.T) {
	t.Parallel()
	auditor := &recordingAuditor{}
	r := NewRegistry(auditor)
	r.Register(&stubModule{name: "broken", err: assertErr{}})

	_, err := r.Delegate(context.Background(), "broken", &auth.UserSession{UserID: "u1"}, Request{})
	require.Error(t, err)
	require.Len(t, auditor.entries, 1)
	assert.Equal(t, false, auditor.entries[0]["success"])
}

type assertErr struct{}

func (assertErr) Error() string { return "module exploded" }

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	t.Parallel()
	r := NewRegistry(nil)
	m := &stubModule{name: "m1"}

	r.Register(m)
	assert.True(t, r.Has("m1"))
	got, ok := r.Get("m1")
	assert.True(t, ok)
	assert.Equal(t, m, got)

	r.Unregister("m1")
	assert.False(t, r.Has("m1"))
}
