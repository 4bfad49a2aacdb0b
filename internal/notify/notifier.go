// Package notify delivers status-change notifications to an external
// sink. Delivery is fire-and-forget: a failed notification never affects
// the discovery cycle that requested it.
package notify

import "context"

// Notifier is the outbound notification contract.
type Notifier interface {
	Notify(ctx context.Context, kind, title, message string, metadata map[string]string)
}

// Noop discards all notifications. Used when no sink is configured.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, string, string, string, map[string]string) {}
