package email

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a send request. The integer codes are
// part of the storage contract and must not be renumbered.
type Status int16

const (
	StatusCreated    Status = 0
	StatusProcessing Status = 1
	StatusSent       Status = 2
	StatusFailed     Status = 3
	StatusStopped    Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusProcessing:
		return "processing"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int16(s))
	}
}

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusStopped
}

// CanTransitionTo reports whether the transition s → next is permitted:
// Created → Processing (claim), Processing → Sent|Failed (reconcile),
// Created|Processing → Stopped (administrative).
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusCreated:
		return next == StatusProcessing || next == StatusStopped
	case StatusProcessing:
		return next == StatusSent || next == StatusFailed || next == StatusStopped
	default:
		return false
	}
}

// Content is a subject+body pair shared by many requests. Created by the
// ingress, never mutated afterwards.
type Content struct {
	ID        int32     `json:"id"`
	Subject   string    `json:"subject"`
	Body      string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Request is a single email-to-address send intent.
type Request struct {
	ID          uuid.UUID  `json:"id"`
	TopicID     string     `json:"topic_id"`
	ToEmail     string     `json:"to_email"`
	ContentID   int32      `json:"content_id"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Status      Status     `json:"status"`
	Error       *string    `json:"error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Result is a delivery-lifecycle event reported by the mail provider or the
// tracking pixel. (request_id, status) is unique; duplicate deliveries are
// idempotent.
type Result struct {
	ID        int32           `json:"id"`
	RequestID uuid.UUID       `json:"request_id"`
	Status    string          `json:"status"`
	Raw       json.RawMessage `json:"raw"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ClaimedRequest is a request row joined with its content, as returned by a
// claim. Subject and Body are nil only if the content row is missing, which
// foreign keys prevent in normal operation.
type ClaimedRequest struct {
	ID          uuid.UUID
	TopicID     string
	ToEmail     string
	ScheduledAt *time.Time
	Subject     *string
	Body        *string
}

// TrackingPixel returns the 1x1 open-tracking image tag for this request.
func (c *ClaimedRequest) TrackingPixel(serverHost string) string {
	return fmt.Sprintf(
		`<img src="%s/v1/events/open?requestId=%s" width="1" height="1" style="display:none;" alt="">`,
		serverHost, c.ID,
	)
}

// BodyWithTracking returns the content body with the tracking pixel
// appended. A missing body is treated as empty; the pixel is always present.
func (c *ClaimedRequest) BodyWithTracking(serverHost string) string {
	body := ""
	if c.Body != nil {
		body = *c.Body
	}
	return body + c.TrackingPixel(serverHost)
}

// SubjectOrEmpty returns the joined subject, or "" if the content row was
// missing.
func (c *ClaimedRequest) SubjectOrEmpty() string {
	if c.Subject == nil {
		return ""
	}
	return *c.Subject
}

// Outcome is the per-request result of one dispatch attempt. Exactly one of
// the two branches applies: a published request carries the broker's stream
// sequence, a failed one carries the reason recorded on the row.
type Outcome struct {
	RequestID uuid.UUID
	StreamSeq uint64
	Err       error
}

// Published reports whether the publish was acknowledged by the broker.
func (o Outcome) Published() bool { return o.Err == nil }
