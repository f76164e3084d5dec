// Package monitor escalates stale chat state. One global loop scans
// every chat with a running worker: merchant records that outlived the
// chat's timeout produce operator reminders, chats with an empty queue
// for too long produce silence notifications.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/config"
	"github.com/ambk/pinokio/internal/gates"
	"github.com/ambk/pinokio/internal/metrics"
	"github.com/ambk/pinokio/internal/notify"
	"github.com/ambk/pinokio/internal/store"
)

// finalScanDepth caps how many final records one escalation pass reads
// per chat.
const finalScanDepth = 50

// Notifier delivers the outbound texts. Failed sends are logged here
// and never retried.
type Notifier interface {
	SendReminder(ctx context.Context, chat *config.ChatConfig, username, text string, ageSeconds int) (*notify.SendResult, error)
	SendSilenceAlert(ctx context.Context, chat *config.ChatConfig) (*notify.SendResult, error)
}

// WorkerSet reports which chats currently have a live worker.
type WorkerSet interface {
	RunningChats() []string
}

// Monitor is the global escalation loop.
type Monitor struct {
	store    *store.Store
	chats    config.ChatsConfig
	workers  WorkerSet
	notifier Notifier
	silence  *SilenceClock
	interval time.Duration
	now      func() time.Time
	metrics  *metrics.Registry
}

func New(st *store.Store, chats config.ChatsConfig, workers WorkerSet, notifier Notifier, silence *SilenceClock, interval time.Duration) *Monitor {
	return &Monitor{
		store:    st,
		chats:    chats,
		workers:  workers,
		notifier: notifier,
		silence:  silence,
		interval: interval,
		now:      time.Now,
	}
}

// SetMetrics attaches the Prometheus registry.
func (m *Monitor) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// Run checks immediately, then once per interval until the context is
// cancelled.
func (m *Monitor) Run(ctx context.Context) {
	log.Info().Dur("interval", m.interval).Msg("Escalation monitor started")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			log.Info().Msg("Escalation monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs one escalation pass over every chat with a live worker.
// Per-chat failures are logged and do not stop the pass.
func (m *Monitor) Tick(ctx context.Context) {
	running := m.workers.RunningChats()
	if m.metrics != nil {
		m.metrics.SetActiveWorkers(len(running))
	}

	for _, chatID := range running {
		chat, ok := m.chats.Get(chatID)
		if !ok {
			continue
		}
		if err := m.checkChat(ctx, chatID, chat); err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("Escalation pass failed")
		}
	}
}

func (m *Monitor) checkChat(ctx context.Context, chatID string, chat *config.ChatConfig) error {
	nowT := m.now()
	nowTS := float64(nowT.UnixNano()) / 1e9

	finals, err := m.store.ListFinal(ctx, chatID, finalScanDepth)
	if err != nil {
		return err
	}
	var merchants []store.FinalMessage
	for _, f := range finals {
		if f.UserType == store.UserTypeMerchant {
			merchants = append(merchants, f)
		}
	}

	// Silence is only watched during working hours; reminders are not.
	if chat.Silencer.Enabled && gates.InsideWorkingHours(nowT, &chat.Pinger) {
		m.checkSilence(ctx, chatID, chat, nowTS, len(merchants) > 0)
	}

	for _, f := range merchants {
		age := int(nowTS - f.EndTS)
		if age <= chat.Pinger.MessageTimeout {
			continue
		}

		if _, err := m.notifier.SendReminder(ctx, chat, f.Username, f.Text, age); err != nil {
			log.Error().Err(err).
				Str("chat_id", chatID).
				Str("stream_id", f.StreamID).
				Msg("Reminder delivery failed")
		} else if m.metrics != nil {
			m.metrics.RecordReminder(chatID)
		}

		// One reminder per record: it is retired whether or not the
		// delivery got through.
		if err := m.store.DeleteFinal(ctx, chatID, f.StreamID); err != nil {
			return err
		}
		log.Info().Str("chat_id", chatID).Str("stream_id", f.StreamID).Int("age_seconds", age).
			Msg("Overdue merchant record reminded and retired")
	}
	return nil
}

func (m *Monitor) checkSilence(ctx context.Context, chatID string, chat *config.ChatConfig, nowTS float64, hasPending bool) {
	if hasPending {
		m.silence.Touch(chatID)
		return
	}

	last, ok := m.silence.Last(chatID)
	if !ok || nowTS-last <= float64(chat.Silencer.SilenceTimeout) {
		return
	}

	if _, err := m.notifier.SendSilenceAlert(ctx, chat); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("Silence notification failed")
	} else if m.metrics != nil {
		m.metrics.RecordSilenceAlert(chatID)
	}
	m.silence.Touch(chatID)
}
