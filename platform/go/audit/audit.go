// Package audit records entitlement decisions and lifecycle changes as structured events.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-entitlements/platform/go/requesttrace"
)

// EventType classifies audit events.
type EventType string

const (
	EventAccessDenied    EventType = "access_denied"
	EventFeatureDenied   EventType = "feature_denied"
	EventQuotaDenied     EventType = "quota_denied"
	EventLifecycleChange EventType = "lifecycle_change"
	EventEventRejected   EventType = "event_rejected"
	EventUsageReset      EventType = "usage_reset"
	EventReplay          EventType = "dead_letter_replay"
)

// Event is a single audit entry.
type Event struct {
	Timestamp time.Time
	Type      EventType
	TenantID  string
	Actor     requesttrace.AuditInfo
	// Subject names the feature, metric or event the entry is about.
	Subject string
	Reason  string
	Detail  map[string]any
}

// Emitter receives audit events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(context.Context, Event) {}

// LogEmitter writes events through zap under the "audit" logger name.
type LogEmitter struct {
	logger *zap.Logger
}

// NewLogEmitter builds a LogEmitter; a nil logger falls back to zap.NewNop.
func NewLogEmitter(logger *zap.Logger) *LogEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogEmitter{logger: logger.Named("audit")}
}

// Emit logs ev. The actor defaults to the request trace stored on ctx.
func (e *LogEmitter) Emit(ctx context.Context, ev Event) {
	ev = fill(ctx, ev)

	fields := []zap.Field{
		zap.String("audit_type", string(ev.Type)),
		zap.Time("audit_time", ev.Timestamp),
		zap.String("tenant_id", ev.TenantID),
		zap.String("actor_kind", string(ev.Actor.ActorKind)),
		zap.String("subject", ev.Subject),
	}
	if ev.Actor.UserID != nil {
		fields = append(fields, zap.String("actor_id", *ev.Actor.UserID))
	}
	if ev.Actor.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.Actor.RequestID))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	if len(ev.Detail) > 0 {
		fields = append(fields, zap.Any("detail", ev.Detail))
	}

	e.logger.Info("audit event", fields...)
}

// Recorder keeps events in memory; used by tests and the CLI dry runs.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(ctx context.Context, ev Event) {
	ev = fill(ctx, ev)
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType filters recorded events by type.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func fill(ctx context.Context, ev Event) Event {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.Actor.ActorKind == "" {
		ev.Actor = requesttrace.FromContextOrAnonymous(ctx)
	}
	return ev
}
