package network

import (
	"context"

	"entity-scale/server/logging"
)

const (
	// EventGroupChanged is emitted when an observer subscribes to or leaves a network group.
	EventGroupChanged logging.EventType = "network.group_changed"
	// EventGroupRejected is emitted when a subscription request could not be applied.
	EventGroupRejected logging.EventType = "network.group_rejected"
)

// GroupPayload captures a subscription request and its outcome.
type GroupPayload struct {
	Command string `json:"command"`
	Group   uint64 `json:"group"`
	Changed bool   `json:"changed"`
	Reason  string `json:"reason,omitempty"`
}

// GroupChanged publishes a debug event after a subscribe or unsubscribe ran.
func GroupChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload GroupPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventGroupChanged,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}

// GroupRejected publishes a warning event when the loop refused the request.
func GroupRejected(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload GroupPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	event := logging.Event{
		Type:     EventGroupRejected,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
		Extra:    extra,
	}
	pub.Publish(ctx, event)
}
