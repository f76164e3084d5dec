package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambk/pinokio/internal/producer"
	"github.com/ambk/pinokio/internal/store"
)

type stubIngress struct {
	result    *producer.Result
	err       error
	last      producer.IncomingMessage
	handled   int
	statuses  map[string]*store.ChatStatus
	statusErr error
	running   bool
}

func (s *stubIngress) Handle(_ context.Context, msg producer.IncomingMessage) (*producer.Result, error) {
	s.last = msg
	s.handled++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *stubIngress) ChatsStatus(context.Context) (map[string]*store.ChatStatus, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.statuses, nil
}

func (s *stubIngress) Running() bool { return s.running }

type stubPinger struct{ err error }

func (p *stubPinger) Ping(context.Context) error { return p.err }

type stubWorkers []string

func (w stubWorkers) RunningChats() []string { return w }

func newTestServer(ingress *stubIngress, ping *stubPinger) *Server {
	return NewServer(
		Config{Addr: ":0", BearerToken: "secret-token"},
		Deps{Ingress: ingress, Redis: ping, Workers: stubWorkers{"c1", "c2"}},
	)
}

const validBody = `{
	"messages__id": "msg-1",
	"messages__user_id": "u1",
	"messages__username": "@alice",
	"messages__date": "2025-01-15 10:30:00.123456",
	"text_histories__text": "когда будет оплата?",
	"text_histories__id": "th-1",
	"messages__chat_id": "c1"
}`

func postProcessRequest(t *testing.T, srv *Server, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/process_request", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProcessRequestAuth(t *testing.T) {
	ingress := &stubIngress{result: &producer.Result{Status: producer.StatusInProcessing}}
	srv := newTestServer(ingress, &stubPinger{})

	tests := []struct {
		name  string
		token string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic secret-token"},
		{"wrong token", "Bearer nope"},
		{"token with padding", "Bearer secret-token "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postProcessRequest(t, srv, tt.token, validBody)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.JSONEq(t, `{"detail": "Invalid bearer token"}`, rec.Body.String())
		})
	}
	assert.Zero(t, ingress.handled)

	rec := postProcessRequest(t, srv, "Bearer secret-token", validBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ingress.handled)
}

func TestProcessRequestBadJSON(t *testing.T) {
	srv := newTestServer(&stubIngress{}, &stubPinger{})

	rec := postProcessRequest(t, srv, "Bearer secret-token", "{oops")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["detail"], "invalid JSON body")
}

func TestProcessRequestMissingFields(t *testing.T) {
	srv := newTestServer(&stubIngress{}, &stubPinger{})

	rec := postProcessRequest(t, srv, "Bearer secret-token",
		`{"messages__id": "msg-1", "messages__date": "2025-01-15 10:30:00"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp["detail"], "messages__user_id")
	assert.Contains(t, resp["detail"], "text_histories__id")
	assert.Contains(t, resp["detail"], "messages__chat_id")
	assert.NotContains(t, resp["detail"], "messages__id,")
}

func TestProcessRequestSuccess(t *testing.T) {
	ingress := &stubIngress{result: &producer.Result{Status: producer.StatusInProcessing, MessageID: "1700-0"}}
	srv := newTestServer(ingress, &stubPinger{})

	rec := postProcessRequest(t, srv, "Bearer secret-token", validBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status": "in_processing", "message_id": "1700-0"}`, rec.Body.String())

	assert.Equal(t, "msg-1", ingress.last.MessagesID)
	assert.Equal(t, "c1", ingress.last.ChatID)
	assert.Equal(t, "u1", ingress.last.UserID)
	assert.Equal(t, "@alice", ingress.last.Username)
	assert.Equal(t, "когда будет оплата?", ingress.last.Text)
	assert.Nil(t, ingress.last.ParentMessageID)
	assert.Nil(t, ingress.last.ChangeID)
}

func TestProcessRequestResultWithReason(t *testing.T) {
	ingress := &stubIngress{result: &producer.Result{Status: producer.StatusIgnored, Reason: producer.ReasonBotDisabled}}
	srv := newTestServer(ingress, &stubPinger{})

	rec := postProcessRequest(t, srv, "Bearer secret-token", validBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ignored", "reason": "bot_disabled"}`, rec.Body.String())
}

func TestProcessRequestNullableAndUnknownFields(t *testing.T) {
	ingress := &stubIngress{result: &producer.Result{Status: producer.StatusInProcessing}}
	srv := newTestServer(ingress, &stubPinger{})

	body := `{
		"messages__id": "msg-1",
		"messages__user_id": "u1",
		"messages__username": null,
		"messages__date": "2025-01-15 10:30:00",
		"messages__parent_message_id": "msg-0",
		"text_histories__text": null,
		"text_histories__id": "th-1",
		"messages__chat_id": "c1",
		"messages__media_type": "photo",
		"users__is_bot": false,
		"some_future_field": 42
	}`
	rec := postProcessRequest(t, srv, "Bearer secret-token", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Empty(t, ingress.last.Username)
	assert.Empty(t, ingress.last.Text)
	require.NotNil(t, ingress.last.ParentMessageID)
	assert.Equal(t, "msg-0", *ingress.last.ParentMessageID)
}

func TestProcessRequestPipelineError(t *testing.T) {
	ingress := &stubIngress{err: assert.AnError}
	srv := newTestServer(ingress, &stubPinger{})

	rec := postProcessRequest(t, srv, "Bearer secret-token", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, assert.AnError.Error(), resp["detail"])
}

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := newTestServer(&stubIngress{running: true}, &stubPinger{})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
		assert.Equal(t, "ok", resp.Redis)
		assert.Equal(t, 2, resp.Workers)
		assert.True(t, resp.ProducerRunning)
		assert.GreaterOrEqual(t, resp.UptimeSeconds, 0.0)
	})

	t.Run("redis down", func(t *testing.T) {
		srv := newTestServer(&stubIngress{}, &stubPinger{err: assert.AnError})

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, assert.AnError.Error(), resp.Redis)
	})
}

func TestChatsStatus(t *testing.T) {
	ingress := &stubIngress{statuses: map[string]*store.ChatStatus{
		"c1": {ChatID: "c1", HasActiveSeries: true, WorkerRunning: true},
		"c2": {ChatID: "c2"},
	}}
	srv := newTestServer(ingress, &stubPinger{})

	req := httptest.NewRequest(http.MethodGet, "/chats/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Chats map[string]*store.ChatStatus `json:"chats"`
		Count int                          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Contains(t, resp.Chats, "c1")
	assert.True(t, resp.Chats["c1"].HasActiveSeries)
	assert.True(t, resp.Chats["c1"].WorkerRunning)
}

func TestNotFound(t *testing.T) {
	srv := newTestServer(&stubIngress{}, &stubPinger{})

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"detail": "Not found"}`, rec.Body.String())
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(&stubIngress{running: true}, &stubPinger{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Len(t, rec.Header().Get("X-Request-ID"), 8)
}
