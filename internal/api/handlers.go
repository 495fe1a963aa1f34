// Package api exposes the gateway's HTTP surface: message ingress, open
// tracking, the provider results webhook, and counters.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ignite/mail-gateway/internal/email"
)

// openEventStatus is the result status recorded by the tracking pixel.
const openEventStatus = "Open"

// transparentPNG is a pre-encoded 1×1 fully transparent PNG, returned by the
// tracking pixel without touching an image library.
var transparentPNG = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A, // signature
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52, // IHDR
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, // 1×1
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4, 0x89,
	0x00, 0x00, 0x00, 0x0A, 0x49, 0x44, 0x41, 0x54, // IDAT
	0x78, 0x9C, 0x62, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01,
	0xE2, 0x21, 0xBC, 0x33,
	0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4E, 0x44, // IEND
	0xAE, 0x42, 0x60, 0x82,
}

// Store is the slice of the email store the HTTP layer needs.
type Store interface {
	InsertMessages(ctx context.Context, messages []email.MessageInsert, now time.Time) (int, error)
	RecordResult(ctx context.Context, requestID uuid.UUID, status string, raw json.RawMessage, now time.Time) (bool, error)
	CountByTopic(ctx context.Context, topicID string) (*email.TopicCounts, error)
	CountSentSince(ctx context.Context, since time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	store Store
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(store Store) *Handlers {
	return &Handlers{store: store}
}

// HandleCreateMessages validates a batch of messages and inserts the content
// and request rows in one transaction. Partial ingress never happens: any
// invalid message fails the whole call.
func (h *Handlers) HandleCreateMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	now := time.Now().UTC()
	if err := req.Validate(now); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	inserts := make([]email.MessageInsert, 0, len(req.Messages))
	for i := range req.Messages {
		m := &req.Messages[i]
		emails := make([]string, len(m.Emails))
		for j, e := range m.Emails {
			emails[j] = strings.TrimSpace(e)
		}
		inserts = append(inserts, email.MessageInsert{
			TopicID:     m.TopicID,
			Subject:     strings.TrimSpace(m.Subject),
			Body:        strings.TrimSpace(m.Content),
			Emails:      emails,
			ScheduledAt: m.scheduledAtUTC(),
		})
	}

	count, err := h.store.InsertMessages(r.Context(), inserts, now)
	if err != nil {
		log.Printf("[API] Failed to insert messages: %v", err)
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	elapsed := time.Since(start)
	log.Printf("[API] Created %d email requests in %v", count, elapsed)

	respondJSON(w, http.StatusOK, CreateMessageResponse{
		Count:   count,
		Elapsed: elapsed.String(),
	})
}

// HandleOpenEvent records an email open and returns a 1×1 transparent PNG.
// The insert runs in the background so a slow database never delays the
// pixel; a malformed or missing requestId still gets the pixel, since the
// image must render inside the recipient's mail client no matter what.
func (h *Handlers) HandleOpenEvent(w http.ResponseWriter, r *http.Request) {
	if requestID := r.URL.Query().Get("requestId"); requestID != "" {
		if id, err := uuid.Parse(requestID); err == nil {
			go h.recordOpen(id)
		} else {
			log.Printf("[API] Invalid requestId in open event: %s", requestID)
		}
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Content-Length", strconv.Itoa(len(transparentPNG)))
	w.WriteHeader(http.StatusOK)
	w.Write(transparentPNG)
}

func (h *Handlers) recordOpen(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	raw, _ := json.Marshal(map[string]interface{}{
		"timestamp":  time.Now().UTC(),
		"user_agent": "tracking-pixel",
	})

	written, err := h.store.RecordResult(ctx, id, openEventStatus, raw, time.Now().UTC())
	switch {
	case err != nil:
		log.Printf("[API] Failed to record open event for %s: %v", id, err)
	case !written:
		log.Printf("[API] Open event already exists for request %s", id)
	}
}

// HandleResultEvent ingests provider delivery results wrapped in an SNS
// envelope. Subscription handshakes and unknown envelope types are
// acknowledged without writing anything.
func (h *Handlers) HandleResultEvent(w http.ResponseWriter, r *http.Request) {
	var msg SNSMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	switch msg.Type {
	case "SubscriptionConfirmation":
		log.Printf("[API] SNS subscription confirmation required: %s", msg.SubscribeURL)
		respondJSON(w, http.StatusOK, map[string]string{"message": "Subscription confirmation required"})
		return
	case "Notification":
	default:
		log.Printf("[API] Non-notification SNS message received: %s", msg.Type)
		respondJSON(w, http.StatusOK, map[string]string{"message": "Other message type received"})
		return
	}

	var notification SESNotification
	if err := json.Unmarshal([]byte(msg.Message), &notification); err != nil {
		respondError(w, http.StatusBadRequest, "non-SES notification received")
		return
	}

	tags := notification.Mail.Tags["request_id"]
	if len(tags) == 0 {
		respondError(w, http.StatusBadRequest, "request_id not found in tags")
		return
	}
	id, err := uuid.Parse(tags[0])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request_id")
		return
	}

	// Store the inner message verbatim (as a JSON string) for audit.
	raw, _ := json.Marshal(msg.Message)

	if _, err := h.store.RecordResult(r.Context(), id, notification.NotificationType, raw, time.Now().UTC()); err != nil {
		log.Printf("[API] Failed to record result event for %s: %v", id, err)
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	log.Printf("[API] Result event saved: request_id=%s, type=%s", id, notification.NotificationType)
	respondJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

// HandleTopicCounts returns the request/result breakdown for one topic. An
// unknown topic returns zeroes rather than 404; callers poll this endpoint
// before the first request lands.
func (h *Handlers) HandleTopicCounts(w http.ResponseWriter, r *http.Request) {
	topicID := chi.URLParam(r, "topicID")

	counts, err := h.store.CountByTopic(r.Context(), topicID)
	if err != nil {
		log.Printf("[API] Failed to count topic %s: %v", topicID, err)
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, TopicCountsResponse{
		Request: RequestCounts{
			Total:   counts.Total,
			Created: counts.Created,
			Sent:    counts.Sent,
			Failed:  counts.Failed,
			Stopped: counts.Stopped,
		},
		Result: ResultCounts{Statuses: counts.Statuses},
	})
}

// HandleSentCount returns how many requests were marked Sent in the last N
// hours (1..168, default 24).
func (h *Handlers) HandleSentCount(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "hours must be an integer")
			return
		}
		hours = parsed
	}
	if hours <= 0 || hours > 168 {
		respondError(w, http.StatusBadRequest, "hours must be between 1 and 168")
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	count, err := h.store.CountSentSince(r.Context(), since)
	if err != nil {
		log.Printf("[API] Failed to count sent requests: %v", err)
		respondError(w, http.StatusInternalServerError, "database error")
		return
	}

	respondJSON(w, http.StatusOK, SentCountResponse{Count: count})
}

// HandleHealth reports gateway health; unhealthy means the database is
// unreachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, fmt.Sprintf("database unreachable: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
