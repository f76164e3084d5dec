// Package scheduler drains expired aggregation deadlines. A single
// goroutine ticks at a fixed cadence, pops every chat whose flush
// deadline has passed and closes its open series.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/aggregator"
	"github.com/ambk/pinokio/internal/config"
	"github.com/ambk/pinokio/internal/store"
)

type Scheduler struct {
	store    *store.Store
	agg      *aggregator.Aggregator
	interval time.Duration
	maxBatch int64
	now      func() time.Time
}

func New(st *store.Store, agg *aggregator.Aggregator, cfg *config.RedisConfig) *Scheduler {
	return &Scheduler{
		store:    st,
		agg:      agg,
		interval: time.Duration(cfg.Scheduler.IntervalMS) * time.Millisecond,
		maxBatch: int64(cfg.Workers.MaxBatch),
		now:      time.Now,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("Flush scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Flush scheduler stopped")
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Tick pops every due chat and flushes it. A chat whose flush fails is
// re-armed at the current time and retried on a later tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	nowTS := float64(s.now().UnixNano()) / 1e9

	due, err := s.store.PopExpired(ctx, nowTS, s.maxBatch)
	if err != nil {
		return err
	}

	for _, chatID := range due {
		streamID, err := s.agg.Flush(ctx, chatID)
		if err != nil {
			log.Error().Err(err).Str("chat_id", chatID).Msg("Deadline flush failed")
			if armErr := s.store.ArmDeadline(ctx, chatID, nowTS); armErr != nil {
				log.Error().Err(armErr).Str("chat_id", chatID).Msg("Deadline re-arm failed")
			}
			continue
		}
		if streamID != "" {
			log.Debug().Str("chat_id", chatID).Str("stream_id", streamID).Msg("Series flushed on deadline")
		}
	}
	return nil
}
