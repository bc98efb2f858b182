package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/stacklok/authbroker/pkg/metrics"
)

// Sink receives finished Entry values. Pipeline writes to it synchronously
// and under lock, so a Sink's Write must not block indefinitely.
type Sink interface {
	Write(Entry) error
}

// WriterSink serializes each Entry as one line of JSON written to w. It is
// the default sink, pointed at stdout by cmd/brokerd.
type WriterSink struct {
	w io.Writer
}

// NewWriterSink wraps w as a Sink.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

// Write implements Sink.
func (s *WriterSink) Write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')
	_, err = s.w.Write(data)
	return err
}

// Pipeline is the append-only audit log every component writes through. It
// never rejects an entry: a failing Sink is reported with a line on stderr,
// not surfaced to the caller, since a blocked or failing
// audit write must never block the security-relevant operation it records.
type Pipeline struct {
	mu   sync.Mutex
	sink Sink
	now  func() time.Time
}

// New constructs a Pipeline writing to sink.
func New(sink Sink) *Pipeline {
	return &Pipeline{sink: sink, now: time.Now}
}

// Append records entry, filling in Timestamp if unset. A missing Source is
// itself audit-worthy: it is overwritten with "unknown" rather than
// silently accepted, since the mandatory field is the whole point of the
// contract.
//
// entry accepts the loosely-typed map[string]any shape so that packages
// which cannot import this one without an import cycle (pkg/auth/jwtauth,
// whose Auditor interface this method satisfies structurally) can still
// depend on nothing but the standard library's map type.
func (p *Pipeline) Append(ctx context.Context, entry map[string]any) {
	e := FromMap(entry)
	if e.Source == "" {
		e.Source = "unknown"
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now()
	}

	p.mu.Lock()
	err := p.sink.Write(e)
	p.mu.Unlock()

	metrics.AuditEntriesTotal.WithLabelValues(e.Source).Inc()
	if err != nil {
		// Fall back to a best-effort stderr line so a broken sink doesn't
		// erase the record entirely; this intentionally bypasses the
		// configured sink since that is the thing that just failed.
		fmt.Fprintf(os.Stderr, "audit: sink write failed for source %s: %v\n", e.Source, err)
	}
	_ = ctx
}

// AppendEntry records a strongly-typed Entry, for callers that already
// import this package directly rather than going through the map-shaped
// Auditor interface.
func (p *Pipeline) AppendEntry(ctx context.Context, e Entry) {
	m := map[string]any{
		"source":  e.Source,
		"userId":  e.UserID,
		"success": e.Success,
		"action":  e.Action,
		"target":  e.Target,
		"reason":  e.Reason,
	}
	if !e.Timestamp.IsZero() {
		m["timestamp"] = e.Timestamp
	}
	for k, v := range e.Fields {
		m[k] = v
	}
	p.Append(ctx, m)
	_ = ctx
}

// Null is the audit sink used when auditing is disabled by configuration.
// It discards every entry and satisfies the same interface as Pipeline so
// callers never branch on whether auditing is on.
type Null struct{}

// Append implements the Auditor interface by discarding entry.
func (Null) Append(context.Context, map[string]any) {}

// AppendEntry discards e.
func (Null) AppendEntry(context.Context, Entry) {}
