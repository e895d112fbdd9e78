package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/centrifugal/centrifuge"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/domain"
)

// Message kinds on the dashboard channel.
const (
	KindMarketUpdate = "market_update"
	KindDeviceStatus = "esp32_status"
)

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type marketUpdate struct {
	Cycle      uint64                           `json:"cycle"`
	Signals    map[domain.AssetID]domain.Signal `json:"signals"`
	Status     string                           `json:"status"`
	ComputedAt time.Time                        `json:"computed_at"`
}

type deviceStatus struct {
	DeviceMAC string    `json:"device_id"`
	Connected bool      `json:"connected"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"timestamp"`
}

type viewerChecker interface {
	HasViewers(userID domain.UserID) bool
}

// Publisher pushes hub events to dashboards. Publications for users with no
// dashboard open are skipped when a presence checker is configured.
type Publisher struct {
	node      *centrifuge.Node
	presence  viewerChecker
	wsMetrics *metrics.WebSocketMetrics
}

var _ domain.EventPublisher = (*Publisher)(nil)

func NewPublisher(node *centrifuge.Node, presence viewerChecker, wsMetrics *metrics.WebSocketMetrics) *Publisher {
	return &Publisher{node: node, presence: presence, wsMetrics: wsMetrics}
}

func (p *Publisher) PublishSnapshot(_ context.Context, snap domain.CycleSnapshot) error {
	status := "active"
	if snap.Stale {
		status = "stale"
	}
	update := marketUpdate{
		Cycle:      snap.Cycle,
		Signals:    snap.Signals,
		Status:     status,
		ComputedAt: snap.ComputedAt,
	}
	return p.publish(snap.UserID, KindMarketUpdate, update)
}

func (p *Publisher) PublishConnectionEvent(_ context.Context, ev domain.ConnectionEvent) error {
	status := deviceStatus{
		DeviceMAC: ev.DeviceMAC,
		Connected: ev.Online,
		State:     ev.State.String(),
		Reason:    ev.Reason,
		At:        ev.At,
	}
	return p.publish(ev.UserID, KindDeviceStatus, status)
}

func (p *Publisher) publish(userID domain.UserID, kind string, payload any) error {
	if p.presence != nil && !p.presence.HasViewers(userID) {
		return nil
	}

	data, err := json.Marshal(message{Type: kind, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	channel := DashboardChannel(userID)
	if _, err := p.node.Publish(channel, data); err != nil {
		if p.wsMetrics != nil {
			p.wsMetrics.PublishErrors.Inc()
		}
		return fmt.Errorf("publish to channel %s: %w", channel, err)
	}

	if p.wsMetrics != nil {
		p.wsMetrics.MessagesPublished.WithLabelValues(kind).Inc()
	}
	return nil
}
