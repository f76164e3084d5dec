// Package aggregator fuses same-author message bursts into series and
// closes them into final records. A series is closed exactly once: every
// close path goes through the per-chat flush mutex and re-reads the
// series state under it.
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/store"
)

// MetricsCallback is called when the aggregator closes a series.
type MetricsCallback func(metric string, value float64, tags map[string]string)

// Aggregator owns the burst-fusion rules and the per-chat flush locks.
type Aggregator struct {
	store   *store.Store
	now     func() time.Time
	metrics MetricsCallback

	mu      sync.Mutex
	chatMus map[string]*sync.Mutex
}

// New builds an Aggregator on the given store.
func New(st *store.Store) *Aggregator {
	return &Aggregator{
		store:   st,
		now:     time.Now,
		chatMus: make(map[string]*sync.Mutex),
	}
}

// SetMetricsCallback sets the metrics collection callback.
func (a *Aggregator) SetMetricsCallback(callback MetricsCallback) {
	a.metrics = callback
}

func (a *Aggregator) chatLock(chatID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.chatMus[chatID]
	if !ok {
		m = &sync.Mutex{}
		a.chatMus[chatID] = m
	}
	return m
}

func (a *Aggregator) nowTS() float64 {
	return float64(a.now().UnixNano()) / 1e9
}

// ProcessMessage applies one raw event to the chat's series state:
// no series opens one, a same-author event inside the window fuses,
// anything else flushes the old series and opens a new one. The window
// comparison is inclusive and uses arrival time, not the MS date.
func (a *Aggregator) ProcessMessage(ctx context.Context, chatID string, msg store.RawMessage) error {
	window, err := a.store.Window(ctx, chatID)
	if err != nil {
		return err
	}
	nowTS := a.nowTS()

	series, err := a.store.GetSeries(ctx, chatID)
	if err != nil {
		return err
	}

	if series == nil {
		return a.openSeries(ctx, chatID, msg, nowTS, window)
	}

	if series.UserID == msg.UserID && nowTS-series.LastTS <= float64(window) {
		text := msg.Text
		if series.Text != "" {
			text = series.Text + "\n" + msg.Text
		}
		if err := a.store.UpdateSeries(ctx, chatID, text, nowTS, series.Count+1); err != nil {
			return err
		}
		if err := a.store.ArmDeadline(ctx, chatID, nowTS+float64(window)); err != nil {
			return err
		}
		log.Debug().Str("chat", chatID).Str("user", msg.UserID).Int64("count", series.Count+1).
			Msg("series extended")
		return nil
	}

	if _, err := a.Flush(ctx, chatID); err != nil {
		return fmt.Errorf("flush before new series: %w", err)
	}
	return a.openSeries(ctx, chatID, msg, nowTS, window)
}

func (a *Aggregator) openSeries(ctx context.Context, chatID string, msg store.RawMessage, nowTS float64, window int) error {
	series := &store.Series{
		UserID:     msg.UserID,
		MessagesID: msg.MessagesID,
		Username:   msg.Username,
		UserType:   msg.UserType,
		Text:       msg.Text,
		StartTS:    nowTS,
		LastTS:     nowTS,
		Count:      1,
	}
	if err := a.store.PutSeries(ctx, chatID, series); err != nil {
		return err
	}
	if err := a.store.ArmDeadline(ctx, chatID, nowTS+float64(window)); err != nil {
		return err
	}
	log.Debug().Str("chat", chatID).Str("user", msg.UserID).Float64("deadline", nowTS+float64(window)).
		Msg("series opened")
	return nil
}

// Flush closes the chat's series into one final record and clears the
// deadline. Returns the final stream id, or "" when no series existed.
func (a *Aggregator) Flush(ctx context.Context, chatID string) (string, error) {
	mu := a.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	series, err := a.store.GetSeries(ctx, chatID)
	if err != nil {
		return "", err
	}
	if series == nil {
		log.Debug().Str("chat", chatID).Msg("flush skipped, no active series")
		return "", nil
	}

	id, err := a.store.AppendFinal(ctx, chatID, store.FinalMessage{
		MessagesID: series.MessagesID,
		UserID:     series.UserID,
		Username:   series.Username,
		UserType:   series.UserType,
		Text:       series.Text,
		StartTS:    series.StartTS,
		EndTS:      series.LastTS,
		Count:      series.Count,
	})
	if err != nil {
		return "", err
	}
	if err := a.store.DeleteSeries(ctx, chatID); err != nil {
		return "", err
	}
	if err := a.store.DisarmDeadline(ctx, chatID); err != nil {
		return "", err
	}
	if err := a.store.IncrMetric(ctx, chatID, store.MetricSeriesFlushed, 1); err != nil {
		return "", err
	}
	if err := a.store.IncrMetric(ctx, chatID, store.MetricMessagesAggregated, series.Count); err != nil {
		return "", err
	}
	if a.metrics != nil {
		tags := map[string]string{"chat_id": chatID}
		a.metrics("series_flushed_total", 1, tags)
		a.metrics("messages_aggregated_total", float64(series.Count), tags)
	}

	log.Debug().Str("chat", chatID).Str("final_id", id).Int64("count", series.Count).
		Msg("series flushed")
	return id, nil
}

// FlushAll drains every chat with an armed deadline, logging per-chat
// failures and carrying on. Used on shutdown.
func (a *Aggregator) FlushAll(ctx context.Context) map[string]string {
	chats, err := a.store.DeadlinedChats(ctx)
	if err != nil {
		log.Error().Err(err).Msg("flush all: list chats failed")
		return nil
	}

	results := make(map[string]string, len(chats))
	for _, chatID := range chats {
		id, err := a.Flush(ctx, chatID)
		if err != nil {
			log.Error().Err(err).Str("chat", chatID).Msg("flush all: chat flush failed")
			continue
		}
		results[chatID] = id
	}
	if len(results) > 0 {
		log.Info().Int("chats", len(results)).Msg("all active series flushed")
	}
	return results
}

// AppendToLastLong merges text into the newest merchant final of the
// same user: a combined record is appended and the superseded one
// deleted, since stream entries cannot be edited in place. Returns the
// new record's id, or "" when the user has no merchant final among the
// newest 100. Runs under the chat flush mutex so it cannot interleave
// with a flush.
func (a *Aggregator) AppendToLastLong(ctx context.Context, chatID, userID, username, text string) (string, error) {
	mu := a.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	finals, err := a.store.ListFinal(ctx, chatID, 100)
	if err != nil {
		return "", err
	}

	for _, f := range finals {
		if f.UserType != store.UserTypeMerchant || f.UserID != userID {
			continue
		}

		newText := text
		if f.Text != "" {
			newText = f.Text + "\n" + text
		}
		name := username
		if name == "" {
			name = f.Username
		}
		if name == "" {
			name = "unknown"
		}

		id, err := a.store.AppendFinal(ctx, chatID, store.FinalMessage{
			MessagesID: f.MessagesID,
			UserID:     userID,
			Username:   name,
			UserType:   store.UserTypeMerchant,
			Text:       newText,
			StartTS:    f.StartTS,
			EndTS:      a.nowTS(),
			Count:      f.Count + 1,
		})
		if err != nil {
			return "", err
		}
		if err := a.store.DeleteFinal(ctx, chatID, f.StreamID); err != nil {
			return "", err
		}
		log.Info().Str("chat", chatID).Str("old_id", f.StreamID).Str("new_id", id).
			Msg("merchant final records merged")
		return id, nil
	}

	return "", nil
}
