package email

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// maxErrorLen caps the publish failure reason stored on a request row.
const maxErrorLen = 255

// Store owns all reads and writes against the email tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ClaimBatch atomically claims up to batchSize due requests: rows in Created
// whose scheduled_at is null or has passed are locked with SKIP LOCKED,
// moved to Processing, and returned joined with their content. Concurrent
// claimers skip each other's locked rows, so no request is ever claimed
// twice.
func (s *Store) ClaimBatch(ctx context.Context, batchSize int, now time.Time) ([]ClaimedRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH due AS (
			SELECT id
			FROM email_requests
			WHERE status = $1
			  AND (scheduled_at IS NULL OR scheduled_at <= $2)
			ORDER BY
				CASE WHEN scheduled_at IS NULL THEN 0 ELSE 1 END,
				scheduled_at ASC NULLS FIRST,
				created_at ASC,
				id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE email_requests r
		SET status = $4, updated_at = $2
		FROM due
		WHERE r.id = due.id
		RETURNING
			r.id, r.topic_id, r.to_email, r.scheduled_at,
			(SELECT c.subject FROM email_contents c WHERE c.id = r.content_id),
			(SELECT c.content FROM email_contents c WHERE c.id = r.content_id)
	`, StatusCreated, now, batchSize, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer rows.Close()

	var claimed []ClaimedRequest
	for rows.Next() {
		var (
			cr          ClaimedRequest
			scheduledAt sql.NullTime
			subject     sql.NullString
			body        sql.NullString
		)
		if err := rows.Scan(&cr.ID, &cr.TopicID, &cr.ToEmail, &scheduledAt, &subject, &body); err != nil {
			return nil, fmt.Errorf("scan claimed request: %w", err)
		}
		if scheduledAt.Valid {
			t := scheduledAt.Time
			cr.ScheduledAt = &t
		}
		if subject.Valid {
			v := subject.String
			cr.Subject = &v
		}
		if body.Valid {
			v := body.String
			cr.Body = &v
		}
		claimed = append(claimed, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim batch rows: %w", err)
	}

	// UPDATE ... RETURNING does not preserve the locking CTE's order, so
	// restore the dispatch order here: send-ASAP rows first, then by due
	// time, ties broken by id (v7 ids are creation-ordered).
	sort.SliceStable(claimed, func(i, j int) bool {
		a, b := claimed[i], claimed[j]
		switch {
		case a.ScheduledAt == nil && b.ScheduledAt != nil:
			return true
		case a.ScheduledAt != nil && b.ScheduledAt == nil:
			return false
		case a.ScheduledAt != nil && b.ScheduledAt != nil && !a.ScheduledAt.Equal(*b.ScheduledAt):
			return a.ScheduledAt.Before(*b.ScheduledAt)
		default:
			return a.ID.String() < b.ID.String()
		}
	})

	return claimed, nil
}

// ReconcileBatch applies dispatch outcomes in a single transaction: a
// published request moves to Sent, a failed one to Failed with its reason.
// A missing row is logged and skipped; it cannot normally occur because the
// claimer marked the row in this same process.
func (s *Store) ReconcileBatch(ctx context.Context, outcomes []Outcome, now time.Time) error {
	if len(outcomes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	for _, o := range outcomes {
		status := StatusSent
		var errText sql.NullString
		if !o.Published() {
			status = StatusFailed
			reason := o.Err.Error()
			if len(reason) > maxErrorLen {
				reason = reason[:maxErrorLen]
			}
			errText = sql.NullString{String: reason, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE email_requests SET status = $1, error = $2, updated_at = $3 WHERE id = $4
		`, status, errText, now, o.RequestID)
		if err != nil {
			return fmt.Errorf("reconcile request %s: %w", o.RequestID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			log.Printf("[Store] Reconcile skipped request %s: not found", o.RequestID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconcile: %w", err)
	}
	return nil
}

// MessageInsert is one ingress message expanded against its recipient list.
type MessageInsert struct {
	TopicID     string
	Subject     string
	Body        string
	Emails      []string
	ScheduledAt *time.Time
}

// InsertMessages stores a batch of messages in one transaction: one content
// row per message, one request row per recipient. Returns the number of
// request rows created.
func (s *Store) InsertMessages(ctx context.Context, messages []MessageInsert, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	total := 0
	for _, m := range messages {
		var contentID int32
		err := tx.QueryRowContext(ctx, `
			INSERT INTO email_contents (subject, content, created_at, updated_at)
			VALUES ($1, $2, $3, $3) RETURNING id
		`, m.Subject, m.Body, now).Scan(&contentID)
		if err != nil {
			return 0, fmt.Errorf("insert content: %w", err)
		}

		for _, addr := range m.Emails {
			id, err := uuid.NewV7()
			if err != nil {
				return 0, fmt.Errorf("generate request id: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO email_requests (id, topic_id, to_email, content_id, scheduled_at, status, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
			`, id, m.TopicID, addr, contentID, m.ScheduledAt, StatusCreated, now)
			if err != nil {
				return 0, fmt.Errorf("insert request: %w", err)
			}
			total++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert: %w", err)
	}
	return total, nil
}

// RecordResult appends a provider result event. Duplicate (request_id,
// status) pairs are silently ignored; redelivered webhooks are a normal
// occurrence. Returns true if a new row was written.
func (s *Store) RecordResult(ctx context.Context, requestID uuid.UUID, status string, raw json.RawMessage, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO email_results (request_id, status, raw, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (request_id, status) DO NOTHING
	`, requestID, status, raw, now)
	if err != nil {
		return false, fmt.Errorf("record result: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TopicCounts is the per-topic request/result breakdown. Processing rows are
// counted in Total but have no bucket of their own; they are transient.
type TopicCounts struct {
	Total    int64            `json:"total"`
	Created  int64            `json:"created"`
	Sent     int64            `json:"sent"`
	Failed   int64            `json:"failed"`
	Stopped  int64            `json:"stopped"`
	Statuses map[string]int64 `json:"-"`
}

// CountByTopic aggregates request statuses and distinct result statuses for
// one topic.
func (s *Store) CountByTopic(ctx context.Context, topicID string) (*TopicCounts, error) {
	counts := &TopicCounts{Statuses: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM email_requests WHERE topic_id = $1 GROUP BY status
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("count requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan request count: %w", err)
		}
		counts.Total += n
		switch status {
		case StatusCreated:
			counts.Created = n
		case StatusSent:
			counts.Sent = n
		case StatusFailed:
			counts.Failed = n
		case StatusStopped:
			counts.Stopped = n
		case StatusProcessing:
			// transient, total only
		default:
			log.Printf("[Store] Unknown request status %d for topic %s", status, topicID)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count requests rows: %w", err)
	}

	if counts.Total == 0 {
		return counts, nil
	}

	resultRows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(DISTINCT request_id)
		FROM email_results
		WHERE request_id IN (SELECT id FROM email_requests WHERE topic_id = $1)
		GROUP BY status
	`, topicID)
	if err != nil {
		return nil, fmt.Errorf("count results: %w", err)
	}
	defer resultRows.Close()

	for resultRows.Next() {
		var status string
		var n int64
		if err := resultRows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan result count: %w", err)
		}
		counts.Statuses[status] = n
	}
	if err := resultRows.Err(); err != nil {
		return nil, fmt.Errorf("count results rows: %w", err)
	}

	return counts, nil
}

// CountSentSince returns the number of requests marked Sent after the given
// instant.
func (s *Store) CountSentSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM email_requests WHERE updated_at > $1 AND status = $2
	`, since, StatusSent).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

// RequeueStale resets Processing rows older than the cutoff back to Created.
// The dispatch pipeline never calls this: rows stranded by a crash between
// claim and reconcile are an operational concern, and this helper exists for
// ops tooling that chooses to sweep them. Returns the number of rows reset.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE email_requests
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND updated_at < $3
	`, StatusCreated, StatusProcessing, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
