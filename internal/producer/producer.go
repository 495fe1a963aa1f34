// Package producer publishes dispatch payloads onto a durable JetStream
// stream. Downstream SMTP workers consume the stream; this side only needs
// acknowledged, durable publishes.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/ignite/mail-gateway/internal/config"
	"github.com/ignite/mail-gateway/internal/email"
)

const (
	streamMaxAge   = 24 * time.Hour
	streamMaxMsgs  = 1_000_000
	streamMaxBytes = 1_000_000_000 // 1GB
)

// Payload is the wire message for one send request. Encoded as JSON; the
// downstream worker contract requires uuid, email, subject and body, the
// rest is advisory.
type Payload struct {
	UUID     string    `json:"uuid"`
	Email    string    `json:"email"`
	Subject  string    `json:"subject"`
	Body     string    `json:"body"`
	TopicID  string    `json:"topicId,omitempty"`
	QueuedAt time.Time `json:"queuedAt"`
}

// Producer publishes onto a single configured subject. The underlying NATS
// connection is safe for concurrent publishes, so one Producer is shared by
// all dispatcher goroutines.
type Producer struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
}

// New connects to the broker and get-or-creates the configured stream
// (24h retention, 1M messages, 1GB). Any failure here is fatal to the
// caller: a gateway that cannot publish must not start.
func New(ctx context.Context, cfg config.NATSConfig) (*Producer, error) {
	log.Printf("[Producer] Connecting to NATS at %s", cfg.URL)

	conn, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject},
		MaxAge:   streamMaxAge,
		MaxMsgs:  streamMaxMsgs,
		MaxBytes: streamMaxBytes,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %q: %w", cfg.Stream, err)
	}
	log.Printf("[Producer] Stream %q ready (subject %s)", cfg.Stream, cfg.Subject)

	return &Producer{conn: conn, js: js, subject: cfg.Subject}, nil
}

// PublishRequest composes the payload for one claimed request and publishes
// it, blocking until the broker acknowledges durable storage. Returns the
// broker-assigned stream sequence.
func (p *Producer) PublishRequest(ctx context.Context, req *email.ClaimedRequest, serverHost string) (uint64, error) {
	payload := Payload{
		UUID:     req.ID.String(),
		Email:    req.ToEmail,
		Subject:  req.SubjectOrEmpty(),
		Body:     req.BodyWithTracking(serverHost),
		TopicID:  req.TopicID,
		QueuedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	ack, err := p.js.Publish(ctx, p.subject, data)
	if err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return ack.Sequence, nil
}

// HealthCheck verifies that the stream still exists on the broker.
func (p *Producer) HealthCheck(ctx context.Context, stream string) error {
	if _, err := p.js.Stream(ctx, stream); err != nil {
		return fmt.Errorf("stream %q: %w", stream, err)
	}
	return nil
}

// Close drains the underlying connection.
func (p *Producer) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
