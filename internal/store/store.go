// Package store is the Redis persistence façade for the aggregation
// pipeline: raw event streams, the per-chat active series hash, final
// record streams, the flush-deadline zset and per-chat config/metrics
// hashes. Every operation targets chat-scoped keys built from the
// configured templates.
package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/ambk/pinokio/internal/config"
)

// Store wraps a redis client with the key layout and aggregation
// parameters from config_redis.yaml.
type Store struct {
	rdb *redis.Client

	rawStreamTpl   string
	finalStreamTpl string
	aggHashTpl     string
	schedZSet      string
	confHashTpl    string
	metricsHashTpl string

	groupName     string
	windowDefault int
}

// New builds a Store on an existing client. The client's lifecycle
// belongs to the caller.
func New(rdb *redis.Client, cfg *config.RedisConfig) *Store {
	return &Store{
		rdb:            rdb,
		rawStreamTpl:   cfg.Keys.RawStream,
		finalStreamTpl: cfg.Keys.FinalStream,
		aggHashTpl:     cfg.Keys.AggHash,
		schedZSet:      cfg.Keys.SchedZSet,
		confHashTpl:    cfg.Keys.ConfHash,
		metricsHashTpl: cfg.Keys.MetricsHash,
		groupName:      cfg.Aggregation.GroupName,
		windowDefault:  cfg.Aggregation.WindowSecondsDefault,
	}
}

// Connect dials redis per the config and returns a ready Store.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr(), err)
	}
	log.Info().Str("addr", cfg.Addr()).Int("db", cfg.Redis.DB).Msg("redis connected")
	return New(rdb, cfg), nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping reports whether redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// GroupName returns the consumer group used on raw streams.
func (s *Store) GroupName() string {
	return s.groupName
}

func (s *Store) rawStream(chatID string) string {
	return strings.ReplaceAll(s.rawStreamTpl, "{chat_id}", chatID)
}

func (s *Store) finalStream(chatID string) string {
	return strings.ReplaceAll(s.finalStreamTpl, "{chat_id}", chatID)
}

func (s *Store) aggHash(chatID string) string {
	return strings.ReplaceAll(s.aggHashTpl, "{chat_id}", chatID)
}

func (s *Store) confHash(chatID string) string {
	return strings.ReplaceAll(s.confHashTpl, "{chat_id}", chatID)
}

func (s *Store) metricsHash(chatID string) string {
	return strings.ReplaceAll(s.metricsHashTpl, "{chat_id}", chatID)
}

// SetWindow stores a per-chat aggregation window override, seconds.
func (s *Store) SetWindow(ctx context.Context, chatID string, seconds int) error {
	if err := s.rdb.HSet(ctx, s.confHash(chatID), "window_s", strconv.Itoa(seconds)).Err(); err != nil {
		return fmt.Errorf("set window for %s: %w", chatID, err)
	}
	return nil
}

// Window returns the chat's aggregation window, falling back to the
// configured default when no override is stored.
func (s *Store) Window(ctx context.Context, chatID string) (int, error) {
	v, err := s.rdb.HGet(ctx, s.confHash(chatID), "window_s").Result()
	if err == redis.Nil {
		return s.windowDefault, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get window for %s: %w", chatID, err)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("window for %s: parse %q: %w", chatID, v, err)
	}
	return n, nil
}

// ChatConfig returns the full per-chat config hash.
func (s *Store) ChatConfig(ctx context.Context, chatID string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.confHash(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get config for %s: %w", chatID, err)
	}
	return m, nil
}

// IncrMetric bumps one per-chat counter.
func (s *Store) IncrMetric(ctx context.Context, chatID, field string, delta int64) error {
	if err := s.rdb.HIncrBy(ctx, s.metricsHash(chatID), field, delta).Err(); err != nil {
		return fmt.Errorf("incr metric %s for %s: %w", field, chatID, err)
	}
	return nil
}

// ChatMetrics returns all per-chat counters.
func (s *Store) ChatMetrics(ctx context.Context, chatID string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, s.metricsHash(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get metrics for %s: %w", chatID, err)
	}
	return m, nil
}

// ResetMetrics drops the chat's counter hash.
func (s *Store) ResetMetrics(ctx context.Context, chatID string) error {
	if err := s.rdb.Del(ctx, s.metricsHash(chatID)).Err(); err != nil {
		return fmt.Errorf("reset metrics for %s: %w", chatID, err)
	}
	return nil
}

// GetSeries loads the chat's active series. A chat with no series
// returns (nil, nil).
func (s *Store) GetSeries(ctx context.Context, chatID string) (*Series, error) {
	m, err := s.rdb.HGetAll(ctx, s.aggHash(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get series for %s: %w", chatID, err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	series, err := seriesFromMap(m)
	if err != nil {
		return nil, fmt.Errorf("series for %s: %w", chatID, err)
	}
	return series, nil
}

// PutSeries writes the full series hash.
func (s *Store) PutSeries(ctx context.Context, chatID string, series *Series) error {
	if err := s.rdb.HSet(ctx, s.aggHash(chatID), series.toMap()).Err(); err != nil {
		return fmt.Errorf("put series for %s: %w", chatID, err)
	}
	return nil
}

// UpdateSeries overwrites only the fields that change on a fuse.
func (s *Store) UpdateSeries(ctx context.Context, chatID, text string, lastTS float64, count int64) error {
	values := map[string]string{
		"text":    text,
		"last_ts": formatTS(lastTS),
		"count":   strconv.FormatInt(count, 10),
	}
	if err := s.rdb.HSet(ctx, s.aggHash(chatID), values).Err(); err != nil {
		return fmt.Errorf("update series for %s: %w", chatID, err)
	}
	return nil
}

// DeleteSeries removes the active series hash.
func (s *Store) DeleteSeries(ctx context.Context, chatID string) error {
	if err := s.rdb.Del(ctx, s.aggHash(chatID)).Err(); err != nil {
		return fmt.Errorf("delete series for %s: %w", chatID, err)
	}
	return nil
}

// now returns unix seconds with fraction, the timestamp format stored
// throughout.
func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
