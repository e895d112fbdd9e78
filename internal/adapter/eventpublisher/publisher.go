package eventpublisher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pscheid92/signalhub/internal/domain"
)

// SnapshotSaver persists the latest snapshot for readers on any instance.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap domain.CycleSnapshot) error
}

// EventAppender records connection events for the device activity history.
type EventAppender interface {
	Append(ctx context.Context, ev domain.ConnectionEvent) error
}

// EventPublisher implements domain.EventPublisher by composing the dashboard
// publisher with the optional Redis snapshot store and event stream.
// Store failures are logged; only the realtime publication result is returned.
type EventPublisher struct {
	realtime  domain.EventPublisher
	snapshots SnapshotSaver
	history   EventAppender
}

var _ domain.EventPublisher = (*EventPublisher)(nil)

// New builds the composite. snapshots and history may be nil.
func New(realtime domain.EventPublisher, snapshots SnapshotSaver, history EventAppender) *EventPublisher {
	return &EventPublisher{realtime: realtime, snapshots: snapshots, history: history}
}

func (ep *EventPublisher) PublishSnapshot(ctx context.Context, snap domain.CycleSnapshot) error {
	if ep.snapshots != nil {
		if err := ep.snapshots.SaveSnapshot(ctx, snap); err != nil {
			slog.WarnContext(ctx, "Failed to store snapshot", "user_id", snap.UserID, "cycle", snap.Cycle, "error", err)
		}
	}
	if err := ep.realtime.PublishSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (ep *EventPublisher) PublishConnectionEvent(ctx context.Context, ev domain.ConnectionEvent) error {
	if ep.history != nil {
		if err := ep.history.Append(ctx, ev); err != nil {
			slog.WarnContext(ctx, "Failed to record connection event", "user_id", ev.UserID, "device_mac", ev.DeviceMAC, "error", err)
		}
	}
	if err := ep.realtime.PublishConnectionEvent(ctx, ev); err != nil {
		return fmt.Errorf("publish connection event: %w", err)
	}
	return nil
}
