package domain

import "time"

// EventKind identifies the class of a domain event.
type EventKind string

const (
	EventNewDevice EventKind = "new_device"
	EventIPChange  EventKind = "ip_change"
	EventOnline    EventKind = "online"
	EventOffline   EventKind = "offline"
)

// Event is an append-only log entry produced by the reconciliation step.
// Events are immutable once written.
type Event struct {
	ID        int64             `json:"id,omitempty"`
	Kind      EventKind         `json:"kind"`
	Message   string            `json:"message"`
	DeviceMAC string            `json:"device_mac,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
