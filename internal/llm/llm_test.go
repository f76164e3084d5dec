package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambk/pinokio/internal/config"
)

func testPrompts() *config.PromptsConfig {
	return &config.PromptsConfig{
		SystemPrompt:         "classification system prompt",
		ClassificationSchema: map[string]any{"type": "object"},
		QALinkSystemPrompt:   "qa link system prompt",
		QALinkSchema:         map[string]any{"type": "object"},
	}
}

// stubServer replays canned completion contents and records every
// request body it saw.
type stubServer struct {
	mu        sync.Mutex
	contents  []string
	requests  []chatRequest
	lastAuth  string
	lastPath  string
	failCodes []int
}

func (s *stubServer) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastAuth = r.Header.Get("Authorization")
	s.lastPath = r.URL.Path

	var req chatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	s.requests = append(s.requests, req)

	if len(s.failCodes) > 0 {
		code := s.failCodes[0]
		s.failCodes = s.failCodes[1:]
		http.Error(w, "upstream unhappy", code)
		return
	}

	content := "null"
	if len(s.contents) > 0 {
		content = s.contents[0]
		s.contents = s.contents[1:]
	}

	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"content": content}},
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *stubServer) recorded() []chatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatRequest(nil), s.requests...)
}

func newStubClient(t *testing.T, stub *stubServer) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)
	cfg := Config{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model", RateLimitRPS: 1000}
	return NewClient(cfg, testPrompts())
}

func TestClassify(t *testing.T) {
	stub := &stubServer{contents: []string{`{"class": 1, "confidence": 0.93}`}}
	client := newStubClient(t, stub)

	out, err := client.Classify(context.Background(), "когда будет оплата?")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Class)
	assert.InDelta(t, 0.93, out.Confidence, 1e-9)

	reqs := stub.recorded()
	require.Len(t, reqs, 1)
	req := reqs[0]

	assert.Equal(t, "Bearer test-key", stub.lastAuth)
	assert.Equal(t, "/chat/completions", stub.lastPath)
	assert.Equal(t, "test-model", req.Model)
	assert.Zero(t, req.Temperature)

	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "classification system prompt", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Role)
	assert.Equal(t, "Классифицируй следующий текст:\n\nкогда будет оплата?", req.Messages[1].Content)

	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_schema", req.ResponseFormat.Type)
	assert.Equal(t, "classification", req.ResponseFormat.JSONSchema.Name)
}

func TestClassifyWrappedReply(t *testing.T) {
	stub := &stubServer{contents: []string{`Вот ответ: {"class": 0, "confidence": 0.5} готово`}}
	client := newStubClient(t, stub)

	out, err := client.Classify(context.Background(), "ок")
	require.NoError(t, err)
	assert.Equal(t, 0, out.Class)
}

func TestClassifyErrors(t *testing.T) {
	t.Run("server error bubbles up", func(t *testing.T) {
		stub := &stubServer{failCodes: []int{http.StatusBadGateway}}
		client := newStubClient(t, stub)

		_, err := client.Classify(context.Background(), "текст")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "HTTP 502")
	})

	t.Run("unparseable content", func(t *testing.T) {
		stub := &stubServer{contents: []string{"просто текст без json"}}
		client := newStubClient(t, stub)

		_, err := client.Classify(context.Background(), "текст")
		require.Error(t, err)
	})
}

func TestMatchAnswer(t *testing.T) {
	candidates := []Candidate{
		{StreamID: "1700-0", Text: "когда будет оплата?"},
		{StreamID: "1701-0", Text: "курс поменялся?"},
	}

	t.Run("integer id is completed to stream form", func(t *testing.T) {
		stub := &stubServer{contents: []string{`{"matched_message_id": 1700}`}}
		client := newStubClient(t, stub)

		id, err := client.MatchAnswer(context.Background(), candidates, "оплата прошла")
		require.NoError(t, err)
		assert.Equal(t, "1700-0", id)

		reqs := stub.recorded()
		require.Len(t, reqs, 1)
		userMsg := reqs[0].Messages[1].Content
		assert.Equal(t,
			"Candidates:\n1700-0: merchant: когда будет оплата?\n1701-0: merchant: курс поменялся?\n\n"+
				"Answer:\nPP: оплата прошла\n\nReturn strict JSON only.",
			userMsg)
		assert.Equal(t, "qa link system prompt", reqs[0].Messages[0].Content)
		assert.Equal(t, "qa_link", reqs[0].ResponseFormat.JSONSchema.Name)
	})

	t.Run("null means no match", func(t *testing.T) {
		stub := &stubServer{contents: []string{`{"matched_message_id": null}`}}
		client := newStubClient(t, stub)

		id, err := client.MatchAnswer(context.Background(), candidates, "ответ")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("bad type retries with stacked prefix", func(t *testing.T) {
		stub := &stubServer{contents: []string{
			`{"matched_message_id": "1700-0"}`,
			`{"matched_message_id": "still a string"}`,
			`{"matched_message_id": 1701}`,
		}}
		client := newStubClient(t, stub)

		id, err := client.MatchAnswer(context.Background(), candidates, "ответ")
		require.NoError(t, err)
		assert.Equal(t, "1701-0", id)

		reqs := stub.recorded()
		require.Len(t, reqs, 3)
		assert.False(t, strings.HasPrefix(reqs[0].Messages[1].Content, "Last attempt failed."))
		assert.True(t, strings.HasPrefix(reqs[1].Messages[1].Content, "Last attempt failed. Try again:\n\n"))
		assert.True(t, strings.HasPrefix(reqs[2].Messages[1].Content,
			"Last attempt failed. Try again:\n\nLast attempt failed. Try again:\n\n"))
	})

	t.Run("exhausted attempts degrade to no match", func(t *testing.T) {
		stub := &stubServer{contents: []string{"мусор", "ещё мусор", `{"matched_message_id": 17.5}`}}
		client := newStubClient(t, stub)

		id, err := client.MatchAnswer(context.Background(), candidates, "ответ")
		require.NoError(t, err)
		assert.Empty(t, id)
		assert.Len(t, stub.recorded(), 3)
	})

	t.Run("transport errors degrade to no match", func(t *testing.T) {
		stub := &stubServer{failCodes: []int{500, 500, 500}}
		client := newStubClient(t, stub)

		id, err := client.MatchAnswer(context.Background(), candidates, "ответ")
		require.NoError(t, err)
		assert.Empty(t, id)
	})

	t.Run("fenced reply accepted", func(t *testing.T) {
		stub := &stubServer{contents: []string{"```json\n{\"matched_message_id\": 42}\n```"}}
		client := newStubClient(t, stub)

		id, err := client.MatchAnswer(context.Background(), candidates, "ответ")
		require.NoError(t, err)
		assert.Equal(t, "42-0", id)
	})
}

func TestParseModelJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"raw object", `{"a": 1}`, map[string]any{"a": float64(1)}},
		{"fenced json block", "```json\n{\"a\": 1}\n```", map[string]any{"a": float64(1)}},
		{"fenced without language", "```\n{\"a\": 1}\n```", map[string]any{"a": float64(1)}},
		{"backtick wrapped", "`null`", nil},
		{"literal null", "null", nil},
		{"literal none mixed case", "NoNe", nil},
		{"empty", "", nil},
		{"whitespace only", "   \n\t", nil},
		{"invalid json", "{oops", nil},
		{"array passes through", `[1, 2]`, []any{float64(1), float64(2)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseModelJSON(tt.in))
		})
	}
}
