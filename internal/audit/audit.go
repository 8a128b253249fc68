// Package audit keeps an append-only trail of appointment lifecycle events.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventBooked           EventType = "appointment.booked"
	EventConfirmed        EventType = "appointment.confirmed"
	EventCancelled        EventType = "appointment.cancelled"
	EventTokenIssued      EventType = "token.issued"
	EventTokenVerified    EventType = "token.verified"
	EventTokenExpired     EventType = "token.expired"
	EventEnqueued         EventType = "queue.enqueued"
	EventQueueCompleted   EventType = "queue.completed"
	EventQueueNoShow      EventType = "queue.no_show"
	EventMeetLinkFired    EventType = "meetlink.generated"
	EventRefundProcessed  EventType = "refund.processed"
	EventConsultStarted   EventType = "consultation.started"
	EventConsultCompleted EventType = "consultation.completed"
)

// Event is an immutable audit record.
type Event struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"event_type"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	Actor         string          `json:"actor,omitempty"`
	Tags          []string        `json:"tags,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Recorder is what lifecycle services depend on.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Trail writes events to appointment_audit_events.
type Trail struct {
	db *sql.DB
}

func NewTrail(db *sql.DB) *Trail {
	return &Trail{db: db}
}

// Record inserts an event.
func (t *Trail) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if len(event.Details) == 0 {
		event.Details = json.RawMessage(`{}`)
	}

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO appointment_audit_events (
			id, event_type, appointment_id, actor, tags, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		event.ID,
		string(event.Type),
		event.AppointmentID,
		nullString(event.Actor),
		pq.Array(event.Tags),
		[]byte(event.Details),
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: failed to record event: %w", err)
	}
	return nil
}

// Filter narrows ForAppointment queries.
type Filter struct {
	AppointmentID uuid.UUID
	Type          EventType
	Since         time.Time
	Limit         int
}

// Query returns events for one appointment, newest first.
func (t *Trail) Query(ctx context.Context, filter Filter) ([]Event, error) {
	query := `
		SELECT id, event_type, appointment_id, actor, tags, details, created_at
		FROM appointment_audit_events
		WHERE appointment_id = $1
	`
	args := []any{filter.AppointmentID}
	argIdx := 2

	if filter.Type != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, string(filter.Type))
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, filter.Since)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e         Event
			eventType string
			actor     sql.NullString
			details   []byte
		)
		if err := rows.Scan(&e.ID, &eventType, &e.AppointmentID, &actor, pq.Array(&e.Tags), &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan event: %w", err)
		}
		e.Type = EventType(eventType)
		e.Actor = actor.String
		e.Details = details
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: failed to read events: %w", err)
	}
	return events, nil
}

// Details marshals v for Event.Details, dropping encoding errors.
func Details(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
