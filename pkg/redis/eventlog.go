package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/clover/pkg/models"
	goredis "github.com/redis/go-redis/v9"
)

const DefaultEventStream = "clover:webhook-events"

// EventLog appends normalized webhook events to a capped Redis stream.
type EventLog struct {
	client *Client
	stream string
	maxLen int64
}

func NewEventLog(client *Client, stream string, maxLen int64) *EventLog {
	if stream == "" {
		stream = DefaultEventStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &EventLog{client: client, stream: stream, maxLen: maxLen}
}

func (l *EventLog) Append(ctx context.Context, event models.WebhookEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook event: %w", err)
	}

	id, err := l.client.rdb.XAdd(ctx, &goredis.XAddArgs{
		Stream: l.stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]any{
			"user_id":          event.UserID,
			"integration_type": string(event.IntegrationType),
			"data":             string(payload),
		},
	}).Result()
	if err != nil {
		l.client.logger.WithContext(ctx).WithError(err).Errorf("Failed to append to stream %s", l.stream)
		return err
	}

	l.client.logger.WithContext(ctx).Debugf("Logged webhook event %s to stream %s", id, l.stream)
	return nil
}

// Recent returns up to count events for userID, newest first. It scans at
// most 10x count stream entries.
func (l *EventLog) Recent(ctx context.Context, userID string, count int64) ([]models.WebhookEvent, error) {
	msgs, err := l.client.rdb.XRevRangeN(ctx, l.stream, "+", "-", count*10).Result()
	if err != nil {
		return nil, err
	}

	events := make([]models.WebhookEvent, 0, count)
	for _, msg := range msgs {
		if msg.Values["user_id"] != userID {
			continue
		}
		data, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var event models.WebhookEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		events = append(events, event)
		if int64(len(events)) >= count {
			break
		}
	}
	return events, nil
}
