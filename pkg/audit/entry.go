package audit

import "time"

// allowlistedKeys are the map keys FromMap copies onto named Entry fields
// rather than leaving in Fields.
var allowlistedKeys = map[string]bool{
	"timestamp": true,
	"source":    true,
	"userId":    true,
	"success":   true,
	"action":    true,
	"target":    true,
	"reason":    true,
	"error":     true,
}

// Entry is one append-only audit record. Source is the only mandatory
// field: every caller identifies itself as "component:subcomponent" (for
// example "auth:jwt", "delegation:postgres", "tokenexchange:cache") so a
// reviewer can always tell which part of the broker produced a record even
// when every other field is empty.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	UserID    string         `json:"userId,omitempty"`
	Success   bool           `json:"success"`
	Action    string         `json:"action,omitempty"`
	Target    string         `json:"target,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// FromMap builds an Entry from the loosely-typed map shape callers that
// don't want a compile-time dependency on this package (see
// pkg/auth/jwtauth.auditEntryShape) use to avoid an import cycle.
func FromMap(m map[string]any) Entry {
	e := Entry{}
	if v, ok := m["timestamp"].(time.Time); ok {
		e.Timestamp = v
	}
	if v, ok := m["source"].(string); ok {
		e.Source = v
	}
	if v, ok := m["userId"].(string); ok {
		e.UserID = v
	}
	if v, ok := m["success"].(bool); ok {
		e.Success = v
	}
	if v, ok := m["action"].(string); ok {
		e.Action = v
	}
	if v, ok := m["target"].(string); ok {
		e.Target = v
	}
	if v, ok := m["reason"].(string); ok {
		e.Reason = v
	}
	if v, ok := m["error"].(string); ok && e.Reason == "" {
		e.Reason = v
	}

	// Everything outside the fixed allowlist survives into Fields rather
	// than being dropped — callers like the delegation registry build a
	// trust-boundary overlay (moduleReportedSuccess, registryVerifiedSuccess,
	// a module's own AuditTrail.Metadata) that has no dedicated Entry field
	// but must still reach the persisted record.
	for k, v := range m {
		if allowlistedKeys[k] {
			continue
		}
		if e.Fields == nil {
			e.Fields = make(map[string]any, len(m))
		}
		e.Fields[k] = v
	}
	return e
}
