// Package service carries the in-process event bus that bridges domain
// events and scan progress to live consumers.
package service

// EventType defines the type of a bus event.
type EventType string

const (
	EventDeviceNew     EventType = "device_new"
	EventDeviceUpdated EventType = "device_updated"
	EventDeviceOnline  EventType = "device_online"
	EventDeviceOffline EventType = "device_offline"
	EventScanStarted   EventType = "scan_started"
	EventScanProgress  EventType = "scan_progress"
	EventScanCompleted EventType = "scan_completed"
)

// Event is one bus message.
type Event struct {
	Type    EventType   `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventBus allows publishing and subscribing to events.
type EventBus struct {
	subscribers []chan<- Event
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make([]chan<- Event, 0),
	}
}

// Subscribe adds a subscriber to receive events.
func (eb *EventBus) Subscribe(ch chan<- Event) {
	eb.subscribers = append(eb.subscribers, ch)
}

// Publish sends an event to all subscribers.
func (eb *EventBus) Publish(event Event) {
	for _, ch := range eb.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
