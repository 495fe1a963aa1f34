package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mail-gateway/internal/email"
)

const testAPIKey = "test-key-123"

type recordedResult struct {
	RequestID uuid.UUID
	Status    string
	Raw       json.RawMessage
}

type fakeStore struct {
	mu       sync.Mutex
	inserts  []email.MessageInsert
	results  []recordedResult
	counts   *email.TopicCounts
	sent     int64
	pingErr  error
	storeErr error
}

func (f *fakeStore) InsertMessages(_ context.Context, messages []email.MessageInsert, _ time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return 0, f.storeErr
	}
	f.inserts = append(f.inserts, messages...)
	total := 0
	for _, m := range messages {
		total += len(m.Emails)
	}
	return total, nil
}

func (f *fakeStore) RecordResult(_ context.Context, requestID uuid.UUID, status string, raw json.RawMessage, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return false, f.storeErr
	}
	f.results = append(f.results, recordedResult{RequestID: requestID, Status: status, Raw: raw})
	return true, nil
}

func (f *fakeStore) CountByTopic(_ context.Context, _ string) (*email.TopicCounts, error) {
	if f.storeErr != nil {
		return nil, f.storeErr
	}
	if f.counts != nil {
		return f.counts, nil
	}
	return &email.TopicCounts{Statuses: map[string]int64{}}, nil
}

func (f *fakeStore) CountSentSince(_ context.Context, _ time.Time) (int64, error) {
	if f.storeErr != nil {
		return 0, f.storeErr
	}
	return f.sent, nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	return f.pingErr
}

func (f *fakeStore) recordedResults() []recordedResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedResult, len(f.results))
	copy(out, f.results)
	return out
}

func newTestServer(store *fakeStore) *httptest.Server {
	return httptest.NewServer(NewRouter(NewHandlers(store), testAPIKey))
}

func postJSON(t *testing.T, url, apiKey string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func validMessageBody() CreateMessageRequest {
	return CreateMessageRequest{Messages: []MessageRequest{{
		TopicID: "promo",
		Emails:  []string{"user@example.com"},
		Subject: "Hello",
		Content: "World",
	}}}
}

func TestAuthMiddleware(t *testing.T) {
	srv := newTestServer(&fakeStore{})
	defer srv.Close()

	tests := []struct {
		name   string
		apiKey string
		want   int
	}{
		{"missing key", "", http.StatusUnauthorized},
		{"wrong key", "wrong-key", http.StatusUnauthorized},
		{"wrong length", "x", http.StatusUnauthorized},
		{"correct key", testAPIKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/messages", tt.apiKey, validMessageBody())
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCreateMessagesInsertsTrimmedRows(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/messages", testAPIKey, CreateMessageRequest{
		Messages: []MessageRequest{{
			TopicID:     "promo",
			Emails:      []string{"  user@example.com  ", "other@example.com"},
			Subject:     "  Hello  ",
			Content:     "  Body  ",
			ScheduledAt: "2026-09-01T10:00:00+09:00",
		}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body CreateMessageResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body.Count)
	assert.NotEmpty(t, body.Elapsed)

	require.Len(t, store.inserts, 1)
	ins := store.inserts[0]
	assert.Equal(t, "promo", ins.TopicID)
	assert.Equal(t, "Hello", ins.Subject)
	assert.Equal(t, "Body", ins.Body)
	assert.Equal(t, []string{"user@example.com", "other@example.com"}, ins.Emails)
	require.NotNil(t, ins.ScheduledAt)
	// +09:00 normalized to UTC.
	assert.Equal(t, time.Date(2026, 9, 1, 1, 0, 0, 0, time.UTC), *ins.ScheduledAt)
}

func TestCreateMessagesValidation(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	manyMessages := make([]MessageRequest, 101)
	for i := range manyMessages {
		manyMessages[i] = validMessageBody().Messages[0]
	}

	tests := []struct {
		name string
		body CreateMessageRequest
	}{
		{"no messages", CreateMessageRequest{}},
		{"too many messages", CreateMessageRequest{Messages: manyMessages}},
		{"topic too long", CreateMessageRequest{Messages: []MessageRequest{{
			TopicID: strings.Repeat("a", 51), Emails: []string{"a@b.co"}, Subject: "s", Content: "c",
		}}}},
		{"topic bad chars", CreateMessageRequest{Messages: []MessageRequest{{
			TopicID: "has space", Emails: []string{"a@b.co"}, Subject: "s", Content: "c",
		}}}},
		{"no emails", CreateMessageRequest{Messages: []MessageRequest{{
			Subject: "s", Content: "c",
		}}}},
		{"invalid email", CreateMessageRequest{Messages: []MessageRequest{{
			Emails: []string{"not-an-email"}, Subject: "s", Content: "c",
		}}}},
		{"blank subject", CreateMessageRequest{Messages: []MessageRequest{{
			Emails: []string{"a@b.co"}, Subject: "   ", Content: "c",
		}}}},
		{"content too long", CreateMessageRequest{Messages: []MessageRequest{{
			Emails: []string{"a@b.co"}, Subject: "s", Content: strings.Repeat("x", 65536),
		}}}},
		{"naive scheduled_at", CreateMessageRequest{Messages: []MessageRequest{{
			Emails: []string{"a@b.co"}, Subject: "s", Content: "c", ScheduledAt: "2026-09-01 10:00:00",
		}}}},
		{"scheduled_at too far past", CreateMessageRequest{Messages: []MessageRequest{{
			Emails: []string{"a@b.co"}, Subject: "s", Content: "c",
			ScheduledAt: time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339),
		}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/messages", testAPIKey, tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, store.inserts, "invalid requests must not reach the store")
}

func TestScheduledAtUpToOneHourPastAccepted(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	body := validMessageBody()
	body.Messages[0].ScheduledAt = time.Now().UTC().Add(-30 * time.Minute).Format(time.RFC3339)

	resp := postJSON(t, srv.URL+"/v1/messages", testAPIKey, body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestOpenEventReturnsPixelAndRecordsResult(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	id := uuid.New()
	resp, err := http.Get(fmt.Sprintf("%s/v1/events/open?requestId=%s", srv.URL, id))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))

	// The insert is fire-and-forget; wait for the goroutine.
	assert.Eventually(t, func() bool {
		results := store.recordedResults()
		return len(results) == 1 && results[0].RequestID == id && results[0].Status == "Open"
	}, time.Second, 10*time.Millisecond)
}

func TestOpenEventInvalidIDStillServesPixel(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	for _, url := range []string{
		srv.URL + "/v1/events/open?requestId=not-a-uuid",
		srv.URL + "/v1/events/open",
	} {
		resp, err := http.Get(url)
		require.NoError(t, err)
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, transparentPNG, body)
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, store.recordedResults())
}

func TestResultEventSubscriptionConfirmation(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/events/results", "", SNSMessage{
		Type:         "SubscriptionConfirmation",
		MessageID:    "m1",
		SubscribeURL: "https://sns.example.com/confirm",
	})
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, store.recordedResults())
}

func TestResultEventNotificationRecordsResult(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	id := uuid.New()
	inner, err := json.Marshal(SESNotification{
		NotificationType: "Delivery",
		Mail:             SESMailInfo{Tags: map[string][]string{"request_id": {id.String()}}},
	})
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/v1/events/results", "", SNSMessage{
		Type:      "Notification",
		MessageID: "m2",
		Message:   string(inner),
	})
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	results := store.recordedResults()
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].RequestID)
	assert.Equal(t, "Delivery", results[0].Status)
}

func TestResultEventRejectsMalformedNotifications(t *testing.T) {
	store := &fakeStore{}
	srv := newTestServer(store)
	defer srv.Close()

	tests := []struct {
		name string
		msg  SNSMessage
	}{
		{"non-SES message", SNSMessage{Type: "Notification", Message: "not json"}},
		{"missing request_id tag", SNSMessage{Type: "Notification",
			Message: `{"notificationType":"Bounce","mail":{"tags":{}}}`}},
		{"invalid request_id", SNSMessage{Type: "Notification",
			Message: `{"notificationType":"Bounce","mail":{"tags":{"request_id":["nope"]}}}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/events/results", "", tt.msg)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, store.recordedResults())
}

func TestTopicCounts(t *testing.T) {
	store := &fakeStore{counts: &email.TopicCounts{
		Total: 10, Created: 2, Sent: 5, Failed: 1, Stopped: 1,
		Statuses: map[string]int64{"Open": 3, "Delivery": 5},
	}}
	srv := newTestServer(store)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/topics/promo", nil)
	req.Header.Set("x-api-key", testAPIKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body TopicCountsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 10, body.Request.Total)
	assert.EqualValues(t, 5, body.Request.Sent)
	assert.EqualValues(t, 3, body.Result.Statuses["Open"])
}

func TestSentCount(t *testing.T) {
	store := &fakeStore{sent: 42}
	srv := newTestServer(store)
	defer srv.Close()

	get := func(query string) *http.Response {
		req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/events/counts/sent"+query, nil)
		req.Header.Set("x-api-key", testAPIKey)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := get("")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body SentCountResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.EqualValues(t, 42, body.Count)

	for _, query := range []string{"?hours=0", "?hours=169", "?hours=abc", "?hours=-1"} {
		resp := get(query)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, query)
	}

	resp = get("?hours=168")
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeStore{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
}

func TestHealthUnavailableWhenDBDown(t *testing.T) {
	srv := newTestServer(&fakeStore{pingErr: errors.New("connection refused")})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestInsertFailureReturns500(t *testing.T) {
	srv := newTestServer(&fakeStore{storeErr: errors.New("db down")})
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/v1/messages", testAPIKey, validMessageBody())
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
