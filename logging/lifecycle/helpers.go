package lifecycle

import (
	"context"

	"entity-scale/server/logging"
)

const (
	// EventObserverConnected is emitted when a websocket observer joins.
	EventObserverConnected logging.EventType = "lifecycle.observer_connected"
	// EventObserverDisconnected is emitted when an observer leaves.
	EventObserverDisconnected logging.EventType = "lifecycle.observer_disconnected"
)

// ObserverConnectedPayload captures where the observer came from.
type ObserverConnectedPayload struct {
	RemoteAddr string `json:"remoteAddr"`
}

// ObserverDisconnectedPayload captures the reason an observer left.
type ObserverDisconnectedPayload struct {
	Reason string `json:"reason"`
}

// ObserverConnected publishes an observer join event.
func ObserverConnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObserverConnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventObserverConnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// ObserverDisconnected publishes an observer disconnect event.
func ObserverDisconnected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ObserverDisconnectedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventObserverDisconnected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: "lifecycle",
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
