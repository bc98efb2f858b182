package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromMap_AllowlistedFields(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := FromMap(map[string]any{
		"timestamp": ts,
		"source":    "delegation:postgres",
		"userId":    "user-1",
		"success":   true,
		"action":    "query",
		"target":    "app_user",
		"reason":    "ok",
	})

	assert.Equal(t, ts, e.Timestamp)
	assert.Equal(t, "delegation:postgres", e.Source)
	assert.Equal(t, "user-1", e.UserID)
	assert.True(t, e.Success)
	assert.Equal(t, "query", e.Action)
	assert.Equal(t, "app_user", e.Target)
	assert.Equal(t, "ok", e.Reason)
	assert.Empty(t, e.Fields)
}

func TestFromMap_ErrorFallsBackToReason(t *testing.T) {
	t.Parallel()
	e := FromMap(map[string]any{"error": "boom"})
	assert.Equal(t, "boom", e.Reason)
}

func TestFromMap_ReasonTakesPrecedenceOverError(t *testing.T) {
	t.Parallel()
	e := FromMap(map[string]any{"reason": "explicit", "error": "boom"})
	assert.Equal(t, "explicit", e.Reason)
}

// TestFromMap_OverlayFieldsSurviveIntoFields is the regression test for the
// trust-boundary overlay the delegation registry attaches to Delegate audit
// entries: every key outside the fixed allowlist must land in Fields rather
// than being silently dropped.
func TestFromMap_OverlayFieldsSurviveIntoFields(t *testing.T) {
	t.Parallel()

	e := FromMap(map[string]any{
		"source":                  "delegation:registry:security",
		"success":                 false,
		"action":                  "trust_boundary_violation",
		"module":                  "postgres-prod",
		"moduleReportedSuccess":   true,
		"registryVerifiedSuccess": false,
		"legacyUsername":          "app_user",
	})

	require := assert.New(t)
	require.Equal("trust_boundary_violation", e.Action)
	require.Equal("postgres-prod", e.Fields["module"])
	require.Equal(true, e.Fields["moduleReportedSuccess"])
	require.Equal(false, e.Fields["registryVerifiedSuccess"])
	require.Equal("app_user", e.Fields["legacyUsername"])
}

func TestFromMap_EmptyMapYieldsEmptyEntry(t *testing.T) {
	t.Parallel()
	e := FromMap(map[string]any{})
	assert.Zero(t, e.Timestamp)
	assert.Empty(t, e.Source)
	assert.Empty(t, e.Fields)
}
