// Package llm talks to an OpenAI-compatible chat completions endpoint.
// It drives the two model calls the pipeline needs: deciding whether a
// merchant message requires an answer, and linking an operator answer
// back to the merchant question it addresses.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ambk/pinokio/internal/config"
)

// matchAttempts bounds how often MatchAnswer retries a malformed model
// response before giving up with no match.
const matchAttempts = 3

// Config holds the LLM endpoint settings.
type Config struct {
	BaseURL        string        `json:"base_url"`
	APIKey         string        `json:"api_key"`
	Model          string        `json:"model"`
	RequestTimeout time.Duration `json:"request_timeout"`
	RateLimitRPS   float64       `json:"rate_limit_rps"`
}

// Client is a minimal chat completions client. Both calls run with
// temperature 0 and a JSON schema response format. Outbound calls are
// throttled so a burst of inbound chats cannot flood the provider.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	prompts    *config.PromptsConfig
	limiter    *rate.Limiter
}

// Classification is the verdict for a merchant message. Class 1 means
// the message needs an operator answer.
type Classification struct {
	Class      int     `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Candidate is one merchant final message offered to the matcher.
type Candidate struct {
	StreamID string
	Text     string
}

func NewClient(cfg Config, prompts *config.PromptsConfig) *Client {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.RateLimitRPS == 0 {
		cfg.RateLimitRPS = 5
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		prompts:    prompts,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), int(cfg.RateLimitRPS)),
	}
}

// Classify asks the model whether the text needs an operator answer.
// Transport and parse failures are returned to the caller.
func (c *Client) Classify(ctx context.Context, text string) (*Classification, error) {
	user := "Классифицируй следующий текст:\n\n" + text

	content, err := c.complete(ctx, c.prompts.SystemPrompt, user, "classification", c.prompts.ClassificationSchema)
	if err != nil {
		return nil, err
	}

	var out Classification
	if err := json.Unmarshal([]byte(extractJSONObject(content)), &out); err != nil {
		return nil, fmt.Errorf("parse classification %q: %w", content, err)
	}
	return &out, nil
}

// MatchAnswer asks the model which candidate question the operator
// answer addresses. It returns the matched final stream id, or "" when
// the model reports no match or every attempt fails. An integer id is
// completed to stream form the same way the store would ("42" -> "42-0").
func (c *Client) MatchAnswer(ctx context.Context, candidates []Candidate, answer string) (string, error) {
	lines := make([]string, len(candidates))
	for i, cand := range candidates {
		lines[i] = fmt.Sprintf("%s: merchant: %s", cand.StreamID, cand.Text)
	}

	userMsg := fmt.Sprintf(
		"Candidates:\n%s\n\nAnswer:\nPP: %s\n\nReturn strict JSON only.",
		strings.Join(lines, "\n"), answer,
	)

	for attempt := 0; attempt < matchAttempts; attempt++ {
		if attempt > 0 {
			userMsg = "Last attempt failed. Try again:\n\n" + userMsg
		}

		content, err := c.complete(ctx, c.prompts.QALinkSystemPrompt, userMsg, "qa_link", c.prompts.QALinkSchema)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			log.Error().Err(err).Int("attempt", attempt+1).Msg("Answer matching call failed")
			continue
		}

		parsed, ok := parseModelJSON(content).(map[string]any)
		if !ok {
			continue
		}

		switch matched := parsed["matched_message_id"].(type) {
		case nil:
			return "", nil
		case float64:
			if matched != math.Trunc(matched) {
				continue
			}
			id := strconv.FormatInt(int64(matched), 10)
			if !strings.Contains(id, "-") {
				id += "-0"
			}
			return id, nil
		default:
			// wrong type, ask again
		}
	}

	return "", nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaFormat `json:"json_schema"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Temperature    float64         `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) complete(ctx context.Context, system, user, schemaName string, schema map[string]any) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: &responseFormat{
			Type:       "json_schema",
			JSONSchema: jsonSchemaFormat{Name: schemaName, Schema: schema},
		},
		Temperature: 0.0,
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response has no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}
