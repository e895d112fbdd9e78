package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pscheid92/signalhub/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const (
	eventStreamMaxLen = 200
	eventStreamTTL    = 24 * time.Hour
)

// EventStream keeps a bounded per-user history of device connection events in
// a Redis stream, backing the dashboard's device activity view.
type EventStream struct {
	rdb *goredis.Client
}

func NewEventStream(rdb *goredis.Client) *EventStream {
	return &EventStream{rdb: rdb}
}

func (s *EventStream) Append(ctx context.Context, ev domain.ConnectionEvent) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal connection event: %w", err)
	}

	key := eventsKey(ev.UserID)

	// Pipeline: XADD (capped), EXPIRE
	pipe := s.rdb.TxPipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: key,
		MaxLen: eventStreamMaxLen,
		Approx: true,
		Values: map[string]any{"event": encoded},
	})
	pipe.Expire(ctx, key, eventStreamTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append connection event: %w", err)
	}
	return nil
}

// Recent returns up to count events, newest first.
func (s *EventStream) Recent(ctx context.Context, userID domain.UserID, count int64) ([]domain.ConnectionEvent, error) {
	messages, err := s.rdb.XRevRangeN(ctx, eventsKey(userID), "+", "-", count).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("read connection events: %w", err)
	}

	events := make([]domain.ConnectionEvent, 0, len(messages))
	for _, msg := range messages {
		raw, ok := msg.Values["event"].(string)
		if !ok {
			continue
		}
		var ev domain.ConnectionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			slog.Warn("Skipping undecodable connection event", "stream_id", msg.ID, "error", err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func eventsKey(userID domain.UserID) string {
	return "device_events:" + strconv.FormatInt(int64(userID), 10)
}
