package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ArmDeadline schedules (or re-schedules) the chat's flush deadline.
// ZAdd overwrites the score, so a chat holds at most one deadline.
func (s *Store) ArmDeadline(ctx context.Context, chatID string, at float64) error {
	err := s.rdb.ZAdd(ctx, s.schedZSet, redis.Z{Score: at, Member: chatID}).Err()
	if err != nil {
		return fmt.Errorf("arm deadline for %s: %w", chatID, err)
	}
	return nil
}

// DisarmDeadline removes the chat's flush deadline.
func (s *Store) DisarmDeadline(ctx context.Context, chatID string) error {
	if err := s.rdb.ZRem(ctx, s.schedZSet, chatID).Err(); err != nil {
		return fmt.Errorf("disarm deadline for %s: %w", chatID, err)
	}
	return nil
}

// PopExpired removes and returns up to max chats whose deadline is at
// or before now. Popping keeps deadlines whose series vanished from
// being re-scanned every tick.
func (s *Store) PopExpired(ctx context.Context, nowTS float64, max int64) ([]string, error) {
	chats, err := s.rdb.ZRangeByScore(ctx, s.schedZSet, &redis.ZRangeBy{
		Min:   "0",
		Max:   formatTS(nowTS),
		Count: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pop expired deadlines: %w", err)
	}
	if len(chats) == 0 {
		return nil, nil
	}
	members := make([]interface{}, len(chats))
	for i, c := range chats {
		members[i] = c
	}
	if err := s.rdb.ZRem(ctx, s.schedZSet, members...).Err(); err != nil {
		return nil, fmt.Errorf("pop expired deadlines: %w", err)
	}
	return chats, nil
}

// DeadlinedChats returns every chat with an armed deadline.
func (s *Store) DeadlinedChats(ctx context.Context) ([]string, error) {
	chats, err := s.rdb.ZRange(ctx, s.schedZSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list deadlined chats: %w", err)
	}
	return chats, nil
}

// Deadline returns the chat's armed deadline, if any.
func (s *Store) Deadline(ctx context.Context, chatID string) (float64, bool, error) {
	score, err := s.rdb.ZScore(ctx, s.schedZSet, chatID).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("deadline for %s: %w", chatID, err)
	}
	return score, true, nil
}
