// Package notify posts bot messages to the Kafka sender gateway. The
// gateway fans them out to the operator chats, so a failed send is
// logged and dropped rather than retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/ambk/pinokio/internal/config"
)

// Config holds the gateway endpoint settings.
type Config struct {
	BaseURL        string        `json:"base_url"`
	BearerToken    string        `json:"bearer_token"`
	BotUserID      string        `json:"bot_user_id"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// OutgoingMessage mirrors the gateway wire schema.
type OutgoingMessage struct {
	ChatsID  string  `json:"chats__id"`
	ThreadID *string `json:"thread_id"`
	Text     string  `json:"text_histories__text"`
	UsersID  string  `json:"users__id"`
}

// SendResult is the gateway's acknowledgement.
type SendResult struct {
	Topic     string `json:"topic"`
	MessageID string `json:"message_id"`
	Partition int    `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Sender wraps the gateway client with a circuit breaker so a dead
// gateway cannot stall the monitor loop.
type Sender struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	baseURL    string
	token      string
	botUserID  string
}

func NewSender(cfg Config) *Sender {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	st := gobreaker.Settings{Name: "kafka_sender"}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		if counts.ConsecutiveFailures >= 3 {
			return true
		}
		total := counts.Requests
		if total < 20 {
			return false
		}
		return float64(counts.TotalFailures)/float64(total) > 0.05
	}

	return &Sender{
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker:    gobreaker.NewCircuitBreaker(st),
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.BearerToken,
		botUserID:  cfg.BotUserID,
	}
}

// Send posts one bot message to the given operator chat.
func (s *Sender) Send(ctx context.Context, outputChatID, text string) (*SendResult, error) {
	msg := OutgoingMessage{
		ChatsID: outputChatID,
		Text:    text,
		UsersID: s.botUserID,
	}

	out, err := s.breaker.Execute(func() (any, error) {
		return s.post(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return out.(*SendResult), nil
}

// SendReminder notifies the operators about a merchant message that
// has been waiting longer than the chat's timeout.
func (s *Sender) SendReminder(ctx context.Context, chat *config.ChatConfig, username, text string, ageSeconds int) (*SendResult, error) {
	if username == "" {
		username = "unknown"
	}
	body := fmt.Sprintf(
		"[PINOKIO] [%s] Напоминание для %s: \nСообщение от @%s висит уже %d секунд (таймаут %d):\n\nТекст сообщения:  \n%s\n",
		chat.InputChatName,
		strings.Join(chat.Pinger.Whitelist, " "),
		username,
		ageSeconds,
		chat.Pinger.MessageTimeout,
		text,
	)
	return s.Send(ctx, chat.Pinger.OutputChatID, body)
}

// SendSilenceAlert notifies the operators that the chat's queue has
// been empty past the silence timeout.
func (s *Sender) SendSilenceAlert(ctx context.Context, chat *config.ChatConfig) (*SendResult, error) {
	body := fmt.Sprintf(
		"[PINOKIO] [%s] Уведомление о тишине! \nВо входящем чате нет сообщений в очереди уже %d секунд.\nВозможно, стоит проверить активность в чате.",
		chat.InputChatName,
		chat.Silencer.SilenceTimeout,
	)
	return s.Send(ctx, chat.Silencer.OutputChatID, body)
}

func (s *Sender) post(ctx context.Context, msg OutgoingMessage) (*SendResult, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := s.baseURL + "/send_kafka"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var result SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	log.Info().
		Str("chat_id", msg.ChatsID).
		Str("topic", result.Topic).
		Str("message_id", result.MessageID).
		Msg("Notification delivered")

	return &result, nil
}
