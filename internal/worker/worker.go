// Package worker runs one consumer goroutine per chat. Each worker
// reads new entries from the chat's raw stream through the shared
// consumer group, feeds them to the aggregator and acknowledges them.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/aggregator"
	"github.com/ambk/pinokio/internal/config"
	"github.com/ambk/pinokio/internal/store"
)

// readCount caps how many raw entries a worker takes per read.
const readCount = 64

// errorBackoff is how long a worker sleeps after a failed read or
// a failed aggregation step.
const errorBackoff = time.Second

type chatWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the per-chat worker goroutines. Workers live until
// StopAll or until their chat is stopped explicitly; their lifetime is
// detached from the request that first started them.
type Manager struct {
	store *store.Store
	agg   *aggregator.Aggregator
	block time.Duration

	root      context.Context
	cancelAll context.CancelFunc

	mu      sync.Mutex
	workers map[string]*chatWorker
}

func NewManager(st *store.Store, agg *aggregator.Aggregator, cfg *config.RedisConfig) *Manager {
	root, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:     st,
		agg:       agg,
		block:     time.Duration(cfg.Workers.BlockMS) * time.Millisecond,
		root:      root,
		cancelAll: cancel,
		workers:   make(map[string]*chatWorker),
	}
}

// Ensure starts a worker for the chat unless one is already running.
// A worker whose goroutine has exited is replaced.
func (m *Manager) Ensure(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[chatID]; ok {
		select {
		case <-w.done:
			// fell over, start a fresh one
		default:
			return
		}
	}

	ctx, cancel := context.WithCancel(m.root)
	w := &chatWorker{cancel: cancel, done: make(chan struct{})}
	m.workers[chatID] = w

	consumer := fmt.Sprintf("worker_%s_%s", chatID, uuid.NewString()[:8])
	go m.run(ctx, chatID, consumer, w.done)
}

// Running reports whether the chat currently has a live worker.
func (m *Manager) Running(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[chatID]
	if !ok {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

// RunningChats returns the chats with a live worker.
func (m *Manager) RunningChats() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	chats := make([]string, 0, len(m.workers))
	for chatID, w := range m.workers {
		select {
		case <-w.done:
		default:
			chats = append(chats, chatID)
		}
	}
	return chats
}

// Stop cancels the chat's worker and waits for it to exit.
func (m *Manager) Stop(chatID string) {
	m.mu.Lock()
	w, ok := m.workers[chatID]
	if ok {
		delete(m.workers, chatID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	w.cancel()
	<-w.done
	log.Info().Str("chat_id", chatID).Msg("Chat worker stopped")
}

// StopAll cancels every worker and waits for all of them to exit.
func (m *Manager) StopAll() {
	m.cancelAll()

	m.mu.Lock()
	workers := make([]*chatWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*chatWorker)
	m.mu.Unlock()

	for _, w := range workers {
		<-w.done
	}
	log.Info().Int("count", len(workers)).Msg("All chat workers stopped")
}

func (m *Manager) run(ctx context.Context, chatID, consumer string, done chan struct{}) {
	defer close(done)

	if err := m.store.EnsureGroup(ctx, chatID); err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("Consumer group setup failed")
	}

	log.Info().Str("chat_id", chatID).Str("consumer", consumer).Msg("Chat worker started")

	for {
		if ctx.Err() != nil {
			log.Debug().Str("chat_id", chatID).Msg("Chat worker exiting")
			return
		}

		msgs, err := m.store.ReadNewRaw(ctx, chatID, consumer, readCount, m.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Str("chat_id", chatID).Msg("Raw stream read failed")
			m.sleep(ctx, errorBackoff)
			continue
		}

		for _, msg := range msgs {
			if err := m.agg.ProcessMessage(ctx, chatID, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Error().Err(err).
					Str("chat_id", chatID).
					Str("stream_id", msg.StreamID).
					Msg("Message aggregation failed")
				m.sleep(ctx, errorBackoff)
				continue
			}
			if err := m.store.AckRaw(ctx, chatID, msg.StreamID); err != nil {
				log.Error().Err(err).
					Str("chat_id", chatID).
					Str("stream_id", msg.StreamID).
					Msg("Ack failed")
			}
		}
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
