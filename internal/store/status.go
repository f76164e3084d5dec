package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// ChatStatus is the introspection snapshot of one chat's pipeline
// state. WorkerRunning is filled by the caller, which owns the worker
// registry.
type ChatStatus struct {
	ChatID              string            `json:"chat_id"`
	HasActiveSeries     bool              `json:"has_active_series"`
	ActiveSeries        *Series           `json:"active_series,omitempty"`
	DeadlineTimestamp   *float64          `json:"deadline_timestamp,omitempty"`
	DeadlineSecondsLeft *float64          `json:"deadline_seconds_left,omitempty"`
	Metrics             map[string]string `json:"metrics"`
	Config              map[string]string `json:"config"`
	WorkerRunning       bool              `json:"worker_running"`
}

// ChatStatus assembles the snapshot for one chat.
func (s *Store) ChatStatus(ctx context.Context, chatID string) (*ChatStatus, error) {
	series, err := s.GetSeries(ctx, chatID)
	if err != nil {
		return nil, err
	}
	metrics, err := s.ChatMetrics(ctx, chatID)
	if err != nil {
		return nil, err
	}
	conf, err := s.ChatConfig(ctx, chatID)
	if err != nil {
		return nil, err
	}

	status := &ChatStatus{
		ChatID:          chatID,
		HasActiveSeries: series != nil,
		ActiveSeries:    series,
		Metrics:         metrics,
		Config:          conf,
	}

	score, ok, err := s.Deadline(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if ok {
		left := score - now()
		if left < 0 {
			left = 0
		}
		status.DeadlineTimestamp = &score
		status.DeadlineSecondsLeft = &left
	}
	return status, nil
}

// ActiveChats lists every chat currently known to the deadline zset.
func (s *Store) ActiveChats(ctx context.Context) ([]string, error) {
	return s.DeadlinedChats(ctx)
}

// CleanupChat deletes all chat keys: both streams, the series buffer,
// overrides, counters and the deadline. Irreversible.
func (s *Store) CleanupChat(ctx context.Context, chatID string) error {
	keys := []string{
		s.rawStream(chatID),
		s.finalStream(chatID),
		s.aggHash(chatID),
		s.confHash(chatID),
		s.metricsHash(chatID),
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cleanup chat %s: %w", chatID, err)
	}
	if err := s.DisarmDeadline(ctx, chatID); err != nil {
		return err
	}
	log.Debug().Str("chat", chatID).Msg("chat state cleaned up")
	return nil
}
