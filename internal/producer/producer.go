// Package producer is the ingress controller of the pipeline. It admits
// inbound MS events, decides whether the author is a merchant or an
// operator, and routes the event: merchants feed the aggregation stream
// (after an LLM check that the message needs an answer at all),
// operator replies retire the merchant question they resolve. The
// producer also owns the lifecycle of the background loops.
package producer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/aggregator"
	"github.com/ambk/pinokio/internal/config"
	"github.com/ambk/pinokio/internal/gates"
	"github.com/ambk/pinokio/internal/llm"
	"github.com/ambk/pinokio/internal/metrics"
	"github.com/ambk/pinokio/internal/monitor"
	"github.com/ambk/pinokio/internal/store"
	"github.com/ambk/pinokio/internal/worker"
)

// Admission outcomes returned to the MS relay.
const (
	StatusInProcessing = "in_processing"
	StatusIgnored      = "ignored"
	StatusBlocked      = "blocked"
)

// Reasons attached to ignored and blocked outcomes.
const (
	ReasonChatNotFound     = "chat_not_found"
	ReasonTimeBlocked      = "time_blocked"
	ReasonChangeMessage    = "change_message"
	ReasonBotDisabled      = "bot_disabled"
	ReasonNoResponseNeeded = "no_response_needed"
)

// Scan depths for resolving operator answers against final records.
const (
	parentScanDepth = 100
	matchScanDepth  = 50
)

// IncomingMessage is one normalized MS event. Date keeps the wire form
// ("2025-08-12 11:25:39.365821", UTC) and is parsed during admission.
type IncomingMessage struct {
	MessagesID      string
	ChatID          string
	UserID          string
	Username        string
	Date            string
	Text            string
	ParentMessageID *string
	ChangeID        *string
}

// Result is the admission verdict for one event.
type Result struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// LLM covers the two model calls the routing needs.
type LLM interface {
	Classify(ctx context.Context, text string) (*llm.Classification, error)
	MatchAnswer(ctx context.Context, candidates []llm.Candidate, answer string) (string, error)
}

// Runner is a background loop driven by a context.
type Runner interface {
	Run(ctx context.Context)
}

// Deps wires the producer's collaborators.
type Deps struct {
	Settings   *config.Settings
	Chats      config.ChatsConfig
	Store      *store.Store
	Aggregator *aggregator.Aggregator
	Workers    *worker.Manager
	LLM        LLM
	Silence    *monitor.SilenceClock
	Scheduler  Runner
	Monitor    Runner
	Metrics    *metrics.Registry
}

// Producer is the long-lived ingress controller, one per process.
type Producer struct {
	settings  *config.Settings
	chats     config.ChatsConfig
	store     *store.Store
	agg       *aggregator.Aggregator
	workers   *worker.Manager
	llm       LLM
	silence   *monitor.SilenceClock
	scheduler Runner
	monitor   Runner
	metrics   *metrics.Registry

	mu      sync.Mutex
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	running bool
}

func New(d Deps) *Producer {
	return &Producer{
		settings:  d.Settings,
		chats:     d.Chats,
		store:     d.Store,
		agg:       d.Aggregator,
		workers:   d.Workers,
		llm:       d.LLM,
		silence:   d.Silence,
		scheduler: d.Scheduler,
		monitor:   d.Monitor,
		metrics:   d.Metrics,
	}
}

// Start launches the deadline scheduler and the escalation monitor.
func (p *Producer) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.running = true

	for _, loop := range []Runner{p.scheduler, p.monitor} {
		if loop == nil {
			continue
		}
		p.loops.Add(1)
		go func(r Runner) {
			defer p.loops.Done()
			r.Run(ctx)
		}(loop)
	}
	log.Info().Msg("Producer started")
}

// Stop winds the pipeline down: background loops first, then a drain of
// every open series, then the workers.
func (p *Producer) Stop(ctx context.Context) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.loops.Wait()
	p.agg.FlushAll(ctx)
	p.workers.StopAll()
	log.Info().Msg("Producer stopped")
}

// Running reports whether the background loops are up.
func (p *Producer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Handle admits and routes one inbound event. A non-nil error means the
// pipeline itself failed and the caller should answer 5xx; admission
// refusals are ordinary Results.
func (p *Producer) Handle(ctx context.Context, msg IncomingMessage) (*Result, error) {
	res, err := p.handle(ctx, msg)
	if err == nil && p.metrics != nil {
		p.metrics.RecordEvent(msg.ChatID, res.Status, res.Reason)
	}
	return res, err
}

func (p *Producer) handle(ctx context.Context, msg IncomingMessage) (*Result, error) {
	chat, ok := p.chats.Get(msg.ChatID)
	if !ok {
		log.Warn().Str("chat_id", msg.ChatID).Msg("Event for unconfigured chat dropped")
		return &Result{Status: StatusIgnored, Reason: ReasonChatNotFound}, nil
	}

	sentAt, err := gates.ParseMessageDate(msg.Date)
	if err != nil {
		return nil, fmt.Errorf("message date: %w", err)
	}
	if !gates.InsideWorkingHours(sentAt, &chat.Pinger) {
		return &Result{Status: StatusBlocked, Reason: ReasonTimeBlocked}, nil
	}

	// Edits of already-delivered messages never re-enter the pipeline.
	if msg.ChangeID != nil {
		return &Result{Status: StatusIgnored, Reason: ReasonChangeMessage}, nil
	}

	// Any admitted-this-far event counts as chat activity.
	if chat.Silencer.Enabled {
		p.silence.Touch(msg.ChatID)
	}

	// The chat's window override lands before its worker starts, so the
	// first fuse already sees it.
	if err := p.store.SetWindow(ctx, msg.ChatID, chat.Pinger.RedisBufferWindow); err != nil {
		log.Error().Err(err).Str("chat_id", msg.ChatID).Msg("Window override not applied")
	}
	p.workers.Ensure(msg.ChatID)

	username := msg.Username
	if username == "" {
		username = "unknown"
	}

	userType := store.UserTypeMerchant
	if inWhitelist(chat.Pinger.Whitelist, "@"+username) {
		userType = store.UserTypePP
	} else if msg.UserID == p.settings.DefaultBotUserID {
		if !chat.Pinger.BotEnabled {
			return &Result{Status: StatusIgnored, Reason: ReasonBotDisabled}, nil
		}
		userType = store.UserTypePP
	}

	if userType == store.UserTypeMerchant {
		return p.handleMerchant(ctx, msg.ChatID, msg.MessagesID, msg.UserID, username, msg.Text)
	}
	return p.handlePP(ctx, msg.ChatID, msg.MessagesID, msg.UserID, username, msg.Text, msg.ParentMessageID)
}

func (p *Producer) handleMerchant(ctx context.Context, chatID, messagesID, userID, username, text string) (*Result, error) {
	// A burst in flight from the same author skips classification; the
	// worker fuses the event into the open series.
	series, err := p.store.GetSeries(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if series != nil && series.UserID == userID {
		id, err := p.appendRaw(ctx, chatID, messagesID, userID, username, store.UserTypeMerchant, text)
		if err != nil {
			return nil, err
		}
		log.Info().Str("chat_id", chatID).Str("user_id", userID).Str("stream_id", id).
			Msg("Active series continued")
		return &Result{Status: StatusInProcessing, MessageID: id}, nil
	}

	// A re-asked question folds into the user's previous one instead of
	// spawning a second reminder thread.
	mergedID, err := p.agg.AppendToLastLong(ctx, chatID, userID, username, text)
	if err != nil {
		return nil, err
	}
	if mergedID != "" {
		return &Result{Status: StatusInProcessing, MessageID: mergedID}, nil
	}

	verdict, err := p.classify(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("classify message: %w", err)
	}
	if verdict.Class != 1 {
		log.Info().Str("chat_id", chatID).Float64("confidence", verdict.Confidence).
			Msg("Merchant message needs no answer")
		return &Result{Status: StatusIgnored, Reason: ReasonNoResponseNeeded}, nil
	}

	id, err := p.appendRaw(ctx, chatID, messagesID, userID, username, store.UserTypeMerchant, text)
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusInProcessing, MessageID: id}, nil
}

func (p *Producer) handlePP(ctx context.Context, chatID, messagesID, userID, username, text string, parentMessageID *string) (*Result, error) {
	rawID, err := p.appendRaw(ctx, chatID, messagesID, userID, username, store.UserTypePP, text)
	if err != nil {
		return nil, err
	}

	if parentMessageID != nil {
		if err := p.resolveReply(ctx, chatID, rawID, *parentMessageID); err != nil {
			return nil, err
		}
	} else if err := p.matchAnswer(ctx, chatID, rawID, text); err != nil {
		return nil, err
	}
	return &Result{Status: StatusInProcessing, MessageID: rawID}, nil
}

// resolveReply retires the merchant question an explicit reply answers.
// The operator's raw entry is consumed up front: replies resolve
// questions, they never queue as questions themselves — even when the
// parent turns out to be gone already.
func (p *Producer) resolveReply(ctx context.Context, chatID, rawID, parentMessageID string) error {
	if err := p.store.DeleteRaw(ctx, chatID, rawID); err != nil {
		return err
	}

	finals, err := p.store.ListFinal(ctx, chatID, parentScanDepth)
	if err != nil {
		return err
	}
	for _, f := range finals {
		if f.MessagesID != parentMessageID {
			continue
		}
		if err := p.store.DeleteFinal(ctx, chatID, f.StreamID); err != nil {
			return err
		}
		log.Info().Str("chat_id", chatID).Str("parent_message_id", parentMessageID).
			Str("stream_id", f.StreamID).Msg("Question resolved by explicit reply")
		return nil
	}

	log.Warn().Str("chat_id", chatID).Str("parent_message_id", parentMessageID).
		Msg("Replied-to message not found among final records")
	return nil
}

// matchAnswer asks the model which pending merchant question a
// free-standing operator answer resolves, and retires it. No match is
// not an error.
func (p *Producer) matchAnswer(ctx context.Context, chatID, rawID, text string) error {
	if err := p.store.DeleteRaw(ctx, chatID, rawID); err != nil {
		return err
	}

	finals, err := p.store.ListFinal(ctx, chatID, matchScanDepth)
	if err != nil {
		return err
	}
	var candidates []llm.Candidate
	for _, f := range finals {
		if f.UserType == store.UserTypeMerchant {
			candidates = append(candidates, llm.Candidate{StreamID: f.StreamID, Text: f.Text})
		}
	}
	if len(candidates) == 0 {
		log.Info().Str("chat_id", chatID).Msg("Operator answer with no pending questions")
		return nil
	}

	start := time.Now()
	matchedID, err := p.llm.MatchAnswer(ctx, candidates, text)
	if p.metrics != nil {
		p.metrics.RecordLLMRequest("match_answer", outcome(err), time.Since(start))
	}
	if err != nil {
		return err
	}
	if matchedID == "" {
		log.Info().Str("chat_id", chatID).Msg("Operator answer matched no question")
		return nil
	}

	if err := p.store.DeleteFinal(ctx, chatID, matchedID); err != nil {
		return err
	}
	log.Info().Str("chat_id", chatID).Str("stream_id", matchedID).
		Msg("Question resolved by matched answer")
	return nil
}

func (p *Producer) classify(ctx context.Context, text string) (*llm.Classification, error) {
	start := time.Now()
	verdict, err := p.llm.Classify(ctx, text)
	if p.metrics != nil {
		p.metrics.RecordLLMRequest("classify", outcome(err), time.Since(start))
	}
	return verdict, err
}

func (p *Producer) appendRaw(ctx context.Context, chatID, messagesID, userID, username, userType, text string) (string, error) {
	return p.store.AppendRaw(ctx, chatID, store.RawMessage{
		MessagesID: messagesID,
		UserID:     userID,
		Username:   username,
		UserType:   userType,
		Text:       text,
	})
}

// ChatsStatus snapshots every chat known to the pipeline: chats with an
// armed deadline plus chats with a live worker.
func (p *Producer) ChatsStatus(ctx context.Context) (map[string]*store.ChatStatus, error) {
	chats, err := p.store.ActiveChats(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(chats))
	for _, c := range chats {
		seen[c] = true
	}
	for _, c := range p.workers.RunningChats() {
		if !seen[c] {
			chats = append(chats, c)
			seen[c] = true
		}
	}

	out := make(map[string]*store.ChatStatus, len(chats))
	for _, chatID := range chats {
		status, err := p.store.ChatStatus(ctx, chatID)
		if err != nil {
			return nil, err
		}
		status.WorkerRunning = p.workers.Running(chatID)
		out[chatID] = status
	}
	return out, nil
}

func inWhitelist(whitelist []string, handle string) bool {
	for _, w := range whitelist {
		if w == handle {
			return true
		}
	}
	return false
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
