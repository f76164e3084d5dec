package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// AppendRaw adds one event to the chat's raw stream and bumps the
// received counter. A zero Timestamp is replaced with the arrival time.
func (s *Store) AppendRaw(ctx context.Context, chatID string, m RawMessage) (string, error) {
	if m.Timestamp == 0 {
		m.Timestamp = now()
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.rawStream(chatID),
		Values: m.toValues(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append raw to %s: %w", chatID, err)
	}
	if err := s.IncrMetric(ctx, chatID, MetricMessagesReceived, 1); err != nil {
		return "", err
	}
	log.Debug().Str("chat", chatID).Str("id", id).Str("messages_id", m.MessagesID).Msg("raw message appended")
	return id, nil
}

// EnsureGroup creates the consumer group on the chat's raw stream,
// starting from the beginning so pre-group events are delivered too.
// An already existing group is not an error.
func (s *Store) EnsureGroup(ctx context.Context, chatID string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, s.rawStream(chatID), s.groupName, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("ensure group for %s: %w", chatID, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// ReadNewRaw blocks up to block for undelivered raw events addressed to
// the group. A read timeout returns an empty slice.
func (s *Store) ReadNewRaw(ctx context.Context, chatID, consumer string, count int64, block time.Duration) ([]RawMessage, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.groupName,
		Consumer: consumer,
		Streams:  []string{s.rawStream(chatID), ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read raw for %s: %w", chatID, err)
	}

	var out []RawMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			raw, err := rawFromValues(msg.ID, msg.Values)
			if err != nil {
				return nil, fmt.Errorf("read raw for %s: %w", chatID, err)
			}
			out = append(out, raw)
		}
	}
	return out, nil
}

// AckRaw acknowledges processed raw events.
func (s *Store) AckRaw(ctx context.Context, chatID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XAck(ctx, s.rawStream(chatID), s.groupName, ids...).Err(); err != nil {
		return fmt.Errorf("ack raw for %s: %w", chatID, err)
	}
	return nil
}

// DeleteRaw removes entries from the raw stream. Used when a PP answer
// is consumed directly instead of flowing through aggregation.
func (s *Store) DeleteRaw(ctx context.Context, chatID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XDel(ctx, s.rawStream(chatID), ids...).Err(); err != nil {
		return fmt.Errorf("delete raw for %s: %w", chatID, err)
	}
	return nil
}

// ListRaw returns the newest n raw events, newest first.
func (s *Store) ListRaw(ctx context.Context, chatID string, n int64) ([]RawMessage, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.rawStream(chatID), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("list raw for %s: %w", chatID, err)
	}
	out := make([]RawMessage, 0, len(msgs))
	for _, msg := range msgs {
		raw, err := rawFromValues(msg.ID, msg.Values)
		if err != nil {
			return nil, fmt.Errorf("list raw for %s: %w", chatID, err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// AppendFinal adds one consolidated record to the chat's final stream.
func (s *Store) AppendFinal(ctx context.Context, chatID string, f FinalMessage) (string, error) {
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: s.finalStream(chatID),
		Values: f.toValues(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append final to %s: %w", chatID, err)
	}
	return id, nil
}

// ListFinal returns the newest n final records, newest first.
func (s *Store) ListFinal(ctx context.Context, chatID string, n int64) ([]FinalMessage, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, s.finalStream(chatID), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("list final for %s: %w", chatID, err)
	}
	out := make([]FinalMessage, 0, len(msgs))
	for _, msg := range msgs {
		f, err := finalFromValues(msg.ID, msg.Values)
		if err != nil {
			return nil, fmt.Errorf("list final for %s: %w", chatID, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// DeleteFinal removes records from the final stream.
func (s *Store) DeleteFinal(ctx context.Context, chatID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.rdb.XDel(ctx, s.finalStream(chatID), ids...).Err(); err != nil {
		return fmt.Errorf("delete final for %s: %w", chatID, err)
	}
	return nil
}
