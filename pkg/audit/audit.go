// Package audit keeps a per-day trail of call lifecycle events in Redis
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callsignal/pkg/constants"
)

// EventType represents the type of audit event
type EventType string

const (
	EventCallStart EventType = "call_start"
	EventCallEnd   EventType = "call_end"
)

// Event represents an audit log entry
type Event struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  EventType `json:"event_type"`
	SessionID  uuid.UUID `json:"session_id"`
	UserID     uuid.UUID `json:"user_id"`
	CallType   string    `json:"call_type,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"` // call_end only
	Timestamp  time.Time `json:"timestamp"`
}

// Logger appends events to one Redis list per UTC day
type Logger struct {
	client    redis.Cmdable
	retention time.Duration
	now       func() time.Time
}

// NewLogger creates an audit logger keeping events for AuditLogRetention
func NewLogger(client redis.Cmdable) *Logger {
	return &Logger{
		client:    client,
		retention: constants.AuditLogRetention,
		now:       time.Now,
	}
}

func dayKey(t time.Time) string {
	return fmt.Sprintf("audit:calls:%s", t.UTC().Format("2006-01-02"))
}

// Log stores event, stamping its id and time
func (l *Logger) Log(ctx context.Context, event *Event) error {
	event.Timestamp = l.now().UTC()
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := dayKey(event.Timestamp)
	pipe := l.client.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.Expire(ctx, key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}
	return nil
}

// LogCallStart records that userID placed a call
func (l *Logger) LogCallStart(ctx context.Context, sessionID, userID uuid.UUID, callType string) error {
	return l.Log(ctx, &Event{
		EventType: EventCallStart,
		SessionID: sessionID,
		UserID:    userID,
		CallType:  callType,
	})
}

// LogCallEnd records how and by whom a call was ended
func (l *Logger) LogCallEnd(ctx context.Context, sessionID, userID uuid.UUID, reason string, duration time.Duration) error {
	return l.Log(ctx, &Event{
		EventType:  EventCallEnd,
		SessionID:  sessionID,
		UserID:     userID,
		Reason:     reason,
		DurationMs: duration.Milliseconds(),
	})
}

// Events returns up to limit events from day, newest first
func (l *Logger) Events(ctx context.Context, day time.Time, limit int) ([]*Event, error) {
	members, err := l.client.LRange(ctx, dayKey(day), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get audit events: %w", err)
	}

	events := make([]*Event, 0, len(members))
	for _, member := range members {
		var event Event
		if err := json.Unmarshal([]byte(member), &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}
