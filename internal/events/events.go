// Package events implements the structured event channel injected into
// the engine at construction. The engine publishes lifecycle and
// degradation events here instead of writing to an implicit global
// sink; gateways subscribe to stream them to operators.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	TypeSandboxCreated  = "sandbox.created"
	TypeSandboxDeleted  = "sandbox.deleted"
	TypeFileWritten     = "file.written"
	TypeFileDeleted     = "file.deleted"
	TypeExecStarted     = "exec.started"
	TypeExecFinished    = "exec.finished"
	TypeBackendDegraded = "backend.degraded"
	TypePolicyDenied    = "policy.denied"
	TypeQuotaRejected   = "quota.rejected"
	TypeSyncCompleted   = "sync.completed"
	TypeSyncFailed      = "sync.failed"
	TypeRestoreDone     = "restore.completed"
)

// Event is one structured engine event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	WorkspaceID string         `json:"workspace_id,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind has events dropped, not queued without
// bound.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[int]chan Event
}

// subscriberBuffer is the per-subscriber channel depth before drops.
const subscriberBuffer = 256

// NewBus creates an event bus. Events are also mirrored to the logger
// at debug level so a bare deployment still has a trace.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// Publish delivers an event to all subscribers.
func (b *Bus) Publish(eventType, workspaceID string, fields map[string]any) {
	ev := Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		WorkspaceID: workspaceID,
		Fields:      fields,
	}

	b.logger.Debug("event",
		slog.String("type", ev.Type),
		slog.String("workspace_id", ev.WorkspaceID),
		slog.Any("fields", ev.Fields),
	)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("event subscriber lagging, dropping event",
				slog.Int("subscriber", id),
				slog.String("type", ev.Type),
			)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
