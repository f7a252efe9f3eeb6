package observability

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"soundspeed/internal/core"
)

// TraceEntry is one finished span.
type TraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTracer writes spans as JSON lines and keeps the most recent ones for
// inspection.
type JSONTracer struct {
	mu      sync.Mutex
	entries []TraceEntry
	keep    int
	enc     *json.Encoder
	now     func() time.Time
}

// NewJSONTracer constructs a tracer writing to w (which may be nil) and
// retaining up to keep spans.
func NewJSONTracer(w io.Writer, keep int) *JSONTracer {
	t := &JSONTracer{keep: keep, now: func() time.Time { return time.Now().UTC() }}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns a copy of the retained spans.
func (t *JSONTracer) Entries() []TraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TraceEntry(nil), t.entries...)
}

// Start implements core.Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, core.TraceSpan) {
	return ctx, &jsonSpan{tracer: t, operation: operation, started: t.now()}
}

type jsonSpan struct {
	tracer    *JSONTracer
	operation string
	started   time.Time
	once      sync.Once
}

func (s *jsonSpan) End(err error) {
	s.once.Do(func() {
		ended := s.tracer.now()
		entry := TraceEntry{
			Operation:  s.operation,
			Status:     "success",
			DurationMS: float64(ended.Sub(s.started)) / float64(time.Millisecond),
			StartedAt:  s.started,
			EndedAt:    ended,
		}
		if err != nil {
			entry.Status = "error"
			entry.Error = err.Error()
		}
		t := s.tracer
		t.mu.Lock()
		defer t.mu.Unlock()
		t.entries = append(t.entries, entry)
		if t.keep > 0 && len(t.entries) > t.keep {
			t.entries = t.entries[len(t.entries)-t.keep:]
		}
		if t.enc != nil {
			_ = t.enc.Encode(entry)
		}
	})
}
