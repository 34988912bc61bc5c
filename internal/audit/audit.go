// Package audit implements the append-only audit trail. Every security
// relevant action in the system, successful or not, produces exactly one
// entry here. Entries are immutable once written and are never renumbered.
package audit

import (
	"context"
	"errors"
	"strings"
	"time"

	"medvault.org/internal/ids"
	"medvault.org/internal/obs"
)

// Outcome classifies the result of the audited action.
type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeDeny  Outcome = "deny"
	OutcomeError Outcome = "error"
)

// Entry is a single audit record. ActorID is empty for unauthenticated
// attempts and system actions.
type Entry struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type,omitempty"`
	TargetID   string    `json:"target_id,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Filter narrows audit queries for compliance review.
type Filter struct {
	ActorID    string
	Action     string
	TargetType string
	TargetID   string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Store persists entries. Append must be insert-only; Query must return
// entries ordered by insertion.
type Store interface {
	AppendAudit(ctx context.Context, e *Entry) error
	QueryAudit(ctx context.Context, f Filter) ([]Entry, error)
}

// Recorder writes audit entries. Record never fails visibly: a broken sink
// must not swallow the triggering operation's own result. Sink health is
// checked once at startup via Verify instead.
type Recorder struct {
	store Store
	now   func() time.Time
}

// NewRecorder builds a Recorder over the given store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, now: time.Now}
}

// WithClock overrides the time source, for tests.
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	if now != nil {
		r.now = now
	}
	return r
}

type originContextKey struct{}

// WithOrigin attaches the client origin address to the context so entries
// recorded downstream carry it.
func WithOrigin(ctx context.Context, origin string) context.Context {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originContextKey{}, origin)
}

func originFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(originContextKey{}).(string); ok {
		return v
	}
	return ""
}

// Record appends an entry. The entry's ID, timestamp and origin are filled
// here. The write is detached from request cancellation: once the triggering
// state change committed, its audit record must land even if the client went
// away. Persistence failures are logged and counted, never returned.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.store == nil {
		return
	}
	e.ID = ids.New()
	e.OccurredAt = r.now().UTC()
	if e.Origin == "" {
		e.Origin = originFromContext(ctx)
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}

	if err := r.store.AppendAudit(context.WithoutCancel(ctx), &e); err != nil {
		obs.AuditWriteFailures.Inc()
		obs.LogEvent(map[string]any{
			"level":  "error",
			"msg":    "audit append failed",
			"action": e.Action,
			"error":  err.Error(),
		})
		return
	}

	obs.LogEvent(map[string]any{
		"ts":          e.OccurredAt.Format(time.RFC3339Nano),
		"type":        "audit",
		"id":          e.ID,
		"actor_id":    e.ActorID,
		"action":      e.Action,
		"target_type": e.TargetType,
		"target_id":   e.TargetID,
		"origin":      e.Origin,
		"outcome":     string(e.Outcome),
		"reason":      e.Reason,
	})
}

// Query returns entries matching the filter, read-only.
func (r *Recorder) Query(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	return r.store.QueryAudit(ctx, f)
}

// Verify confirms the sink accepts reads. A dead audit sink is a fatal
// configuration error at startup, not a per-call concern.
func (r *Recorder) Verify(ctx context.Context) error {
	if r == nil || r.store == nil {
		return errors.New("audit: recorder has no store")
	}
	_, err := r.store.QueryAudit(ctx, Filter{Limit: 1})
	return err
}
