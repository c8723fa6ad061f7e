// Package audit emits structured audit events to a per-tenant JSON-lines
// log, following the teacher's internal/logging.RequestLog JSON-record
// idiom (repurposed here from invocation logs to lifecycle/quota/wake
// events).
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mvm-project/mvm/internal/domain"
)

// EventKind is the closed set of audit event names referenced across
// the spec (InstanceStarted, InstanceStopped, InstanceSlept,
// InstanceWoken, QuotaExceeded, MinRuntimeOverridden, TransitionDeferred,
// SnapshotRestored, and similar).
type EventKind string

const (
	EventInstanceStarted       EventKind = "InstanceStarted"
	EventInstanceWarmed        EventKind = "InstanceWarmed"
	EventInstanceStopped       EventKind = "InstanceStopped"
	EventInstanceSlept         EventKind = "InstanceSlept"
	EventInstanceWoken         EventKind = "InstanceWoken"
	EventInstanceDestroyed     EventKind = "InstanceDestroyed"
	EventQuotaExceeded         EventKind = "QuotaExceeded"
	EventMinRuntimeOverridden  EventKind = "MinRuntimeOverridden"
	EventTransitionDeferred    EventKind = "TransitionDeferred"
	EventSnapshotRestored      EventKind = "SnapshotRestored"
	EventTenantIdle            EventKind = "TenantIdle"
)

// Event is one audit log entry. ID lets the same event be cross-
// referenced between the per-tenant log file and an optional durable
// sink (e.g. Postgres), the way the teacher stamps a uuid.New() ID onto
// invocation/function records for exactly that purpose.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"ts"`
	Kind      EventKind      `json:"kind"`
	TenantID  string         `json:"tenant_id"`
	PoolID    string         `json:"pool_id,omitempty"`
	InstanceID string        `json:"instance_id,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Sink receives audit events in addition to the mandatory per-tenant
// log file -- e.g. the optional Postgres sink.
type Sink interface {
	Write(Event) error
}

// Logger appends events to tenants/<tid>/audit.log and fans out to any
// configured additional sinks.
type Logger struct {
	mu    sync.Mutex
	paths func(tenantID string) string
	sinks []Sink
}

// NewLogger builds a Logger whose per-tenant log path is computed by
// pathFn (typically store.Layout.AuditLog).
func NewLogger(pathFn func(tenantID string) string, sinks ...Sink) *Logger {
	return &Logger{paths: pathFn, sinks: sinks}
}

// Emit appends one event, JSON-lines style, and fans out to sinks.
// Fan-out failures are ignored and never fail the emitting call -- audit
// emission is a sink the core writes to, not a dependency it blocks on.
func (l *Logger) Emit(kind EventKind, tenantID, poolID, instanceID string, fields map[string]any) error {
	ev := Event{ID: uuid.New().String(), Timestamp: time.Now(), Kind: kind, TenantID: tenantID, PoolID: poolID, InstanceID: instanceID, Fields: fields}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.paths(tenantID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "open audit log %s", path)
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return domain.WrapError(domain.KindInternal, err, "marshal audit event")
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return domain.WrapError(domain.KindInternal, err, "write audit log %s", path)
	}

	for _, sink := range l.sinks {
		_ = sink.Write(ev) // best-effort; see doc comment
	}
	return nil
}
