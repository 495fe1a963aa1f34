package api

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Ingress limits. These bound a single POST /v1/messages call; the values
// are part of the public API contract.
const (
	maxMessagesPerCall = 100
	maxEmailsPerMsg    = 1000
	maxEmailLen        = 254
	maxTopicIDLen      = 50
	maxSubjectLen      = 255
	maxContentLen      = 65535

	// A scheduled_at this far in the past is a caller bug, not a backlog.
	maxSchedulePastDrift = time.Hour
)

var (
	topicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	emailPattern   = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)
)

// CreateMessageRequest is the POST /v1/messages body.
type CreateMessageRequest struct {
	Messages []MessageRequest `json:"messages"`
}

// MessageRequest is one message: shared subject/content fanned out to a
// recipient list. ScheduledAt must be RFC3339 when present; naive local
// timestamps are rejected.
type MessageRequest struct {
	TopicID     string   `json:"topic_id"`
	Emails      []string `json:"emails"`
	Subject     string   `json:"subject"`
	Content     string   `json:"content"`
	ScheduledAt string   `json:"scheduled_at"`
}

// Validate checks the whole request and returns the first violation.
func (r *CreateMessageRequest) Validate(now time.Time) error {
	if len(r.Messages) < 1 || len(r.Messages) > maxMessagesPerCall {
		return fmt.Errorf("must have between 1 and %d messages", maxMessagesPerCall)
	}
	for i := range r.Messages {
		if err := r.Messages[i].validate(now); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}

func (m *MessageRequest) validate(now time.Time) error {
	if m.TopicID != "" {
		if len(m.TopicID) > maxTopicIDLen {
			return fmt.Errorf("topic_id must be at most %d characters", maxTopicIDLen)
		}
		if !topicIDPattern.MatchString(m.TopicID) {
			return fmt.Errorf("topic_id must contain only alphanumeric characters, hyphens, and underscores")
		}
	}

	if len(m.Emails) < 1 || len(m.Emails) > maxEmailsPerMsg {
		return fmt.Errorf("must have between 1 and %d emails", maxEmailsPerMsg)
	}
	for _, e := range m.Emails {
		trimmed := strings.TrimSpace(e)
		if trimmed == "" {
			return fmt.Errorf("email must not be empty")
		}
		if len(trimmed) > maxEmailLen {
			return fmt.Errorf("email must be at most %d characters", maxEmailLen)
		}
		if !emailPattern.MatchString(trimmed) {
			return fmt.Errorf("invalid email format: %s", trimmed)
		}
	}

	if n := len(strings.TrimSpace(m.Subject)); n < 1 || n > maxSubjectLen {
		return fmt.Errorf("subject must be between 1 and %d characters", maxSubjectLen)
	}
	if n := len(strings.TrimSpace(m.Content)); n < 1 || n > maxContentLen {
		return fmt.Errorf("content must be between 1 and %d characters", maxContentLen)
	}

	if m.ScheduledAt != "" {
		at, err := time.Parse(time.RFC3339, m.ScheduledAt)
		if err != nil {
			return fmt.Errorf("scheduled_at must be RFC3339: %v", err)
		}
		if at.Before(now.Add(-maxSchedulePastDrift)) {
			return fmt.Errorf("scheduled time cannot be more than 1 hour in the past")
		}
	}
	return nil
}

// scheduledAtUTC returns the parsed schedule in UTC, or nil when unset.
// Validate must have passed first.
func (m *MessageRequest) scheduledAtUTC() *time.Time {
	if m.ScheduledAt == "" {
		return nil
	}
	at, err := time.Parse(time.RFC3339, m.ScheduledAt)
	if err != nil {
		return nil
	}
	utc := at.UTC()
	return &utc
}

// CreateMessageResponse reports how many request rows one ingress call
// produced.
type CreateMessageResponse struct {
	Count   int    `json:"count"`
	Elapsed string `json:"elapsed"`
}

// RequestCounts is the per-status request breakdown for a topic. Processing
// rows count toward Total only.
type RequestCounts struct {
	Total   int64 `json:"total"`
	Created int64 `json:"created"`
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Stopped int64 `json:"stopped"`
}

// ResultCounts maps provider result status → distinct request count.
type ResultCounts struct {
	Statuses map[string]int64 `json:"statuses"`
}

// TopicCountsResponse is the GET /v1/topics/{topicID} body.
type TopicCountsResponse struct {
	Request RequestCounts `json:"request"`
	Result  ResultCounts  `json:"result"`
}

// SentCountResponse is the GET /v1/events/counts/sent body.
type SentCountResponse struct {
	Count int64 `json:"count"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SNSMessage is the SNS envelope delivered to the results webhook.
type SNSMessage struct {
	Type         string `json:"Type"`
	Message      string `json:"Message"`
	MessageID    string `json:"MessageId"`
	SubscribeURL string `json:"SubscribeURL,omitempty"`
}

// SESNotification is the SES payload carried inside an SNS Notification.
type SESNotification struct {
	NotificationType string      `json:"notificationType"`
	Mail             SESMailInfo `json:"mail"`
}

// SESMailInfo carries the send tags; request_id links the notification back
// to its email_requests row.
type SESMailInfo struct {
	Tags map[string][]string `json:"tags"`
}
