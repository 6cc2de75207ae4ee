package manager

import "time"

// EventName identifies a lifecycle transition of the served model.
type EventName string

const (
	EventLoadStart     EventName = "ensure_start"
	EventLoadReady     EventName = "ensure_ready"
	EventLoadFailed    EventName = "ensure_failed"
	EventLoadCanceled  EventName = "ensure_canceled"
	EventCacheReleased EventName = "cache_released"
)

// Event is one lifecycle transition. Fields carry kind, fingerprint or
// memory figures depending on Name.
type Event struct {
	At     time.Time
	Name   EventName
	Model  string
	Fields map[string]any
}

// EventPublisher receives manager events. Publish is called inline on the
// load and generation paths, so it must not block or panic.
type EventPublisher interface {
	Publish(Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

func (m *Manager) emit(name EventName, fields map[string]any) {
	m.pub.Publish(Event{At: time.Now(), Name: name, Model: m.load.Name, Fields: fields})
}
