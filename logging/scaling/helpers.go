package scaling

import (
	"context"

	"entity-scale/server/logging"
)

const (
	// EventEntityScaled is emitted after a scale request changed an entity.
	EventEntityScaled logging.EventType = "scaling.entity_scaled"
	// EventScaleVetoed is emitted when a veto hook rejected a scale request.
	EventScaleVetoed logging.EventType = "scaling.scale_vetoed"
	// EventLegacyMigrated is emitted once after the legacy id set was converted.
	EventLegacyMigrated logging.EventType = "scaling.legacy_migrated"
	// EventTransitionCompleted is emitted when a connection switches to rewritten snapshots.
	EventTransitionCompleted logging.EventType = "scaling.transition_completed"
	// EventStoreSaved is emitted after the scale document was persisted.
	EventStoreSaved logging.EventType = "scaling.store_saved"
	// EventNativeMigrated is emitted once after carriers were replaced by native scale.
	EventNativeMigrated logging.EventType = "scaling.native_migrated"
)

// Vector is the payload form of a scale value.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// EntityScaledPayload describes a successful scale change.
type EntityScaledPayload struct {
	Previous  Vector `json:"previous"`
	Scale     Vector `json:"scale"`
	Technique string `json:"technique"`
}

// ScaleVetoedPayload carries the rejected value.
type ScaleVetoedPayload struct {
	Requested Vector `json:"requested"`
}

// LegacyMigratedPayload summarizes the legacy conversion pass.
type LegacyMigratedPayload struct {
	Migrated int `json:"migrated"`
	Skipped  int `json:"skipped"`
}

// TransitionCompletedPayload names the connection that finished.
type TransitionCompletedPayload struct {
	Connection uint64 `json:"connection"`
}

// StoreSavedPayload summarizes a persisted document.
type StoreSavedPayload struct {
	Records int    `json:"records"`
	Bytes   int    `json:"bytes"`
	Reason  string `json:"reason,omitempty"`
}

// NativeMigratedPayload summarizes the carrier to native conversion.
type NativeMigratedPayload struct {
	Migrated int `json:"migrated"`
}

func publish(ctx context.Context, pub logging.Publisher, eventType logging.EventType, severity logging.Severity, tick uint64, actor logging.EntityRef, targets []logging.EntityRef, payload any, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     eventType,
		Tick:     tick,
		Actor:    actor,
		Targets:  targets,
		Severity: severity,
		Category: logging.CategoryScaling,
		Payload:  payload,
		Extra:    extra,
	})
}

// EntityScaled publishes a scale change.
func EntityScaled(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload EntityScaledPayload, extra map[string]any) {
	publish(ctx, pub, EventEntityScaled, logging.SeverityInfo, tick, actor, nil, payload, extra)
}

// ScaleVetoed publishes a rejected scale request.
func ScaleVetoed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ScaleVetoedPayload, extra map[string]any) {
	publish(ctx, pub, EventScaleVetoed, logging.SeverityWarn, tick, actor, nil, payload, extra)
}

// LegacyMigrated publishes the result of the legacy conversion.
func LegacyMigrated(ctx context.Context, pub logging.Publisher, tick uint64, payload LegacyMigratedPayload, extra map[string]any) {
	publish(ctx, pub, EventLegacyMigrated, logging.SeverityInfo, tick, logging.EntityRef{Kind: logging.EntityKindWorld}, nil, payload, extra)
}

// TransitionCompleted publishes the end of a connection's transition for an
// entity. The carrier that was terminated on that connection is the target.
func TransitionCompleted(ctx context.Context, pub logging.Publisher, tick uint64, actor, carrier logging.EntityRef, payload TransitionCompletedPayload, extra map[string]any) {
	publish(ctx, pub, EventTransitionCompleted, logging.SeverityDebug, tick, actor, []logging.EntityRef{carrier}, payload, extra)
}

// StoreSaved publishes a persisted scale document.
func StoreSaved(ctx context.Context, pub logging.Publisher, tick uint64, payload StoreSavedPayload, extra map[string]any) {
	event := logging.Event{
		Type:     EventStoreSaved,
		Tick:     tick,
		Actor:    logging.EntityRef{Kind: logging.EntityKindWorld},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryPersistence,
		Payload:  payload,
		Extra:    extra,
	}
	if pub != nil {
		pub.Publish(ctx, event)
	}
}

// NativeMigrated publishes the carrier to native conversion result.
func NativeMigrated(ctx context.Context, pub logging.Publisher, tick uint64, payload NativeMigratedPayload, extra map[string]any) {
	publish(ctx, pub, EventNativeMigrated, logging.SeverityInfo, tick, logging.EntityRef{Kind: logging.EntityKindWorld}, nil, payload, extra)
}
