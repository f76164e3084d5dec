package store

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ambk/pinokio/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, config.DefaultRedisConfig())
}

func TestAppendAndListRaw(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.AppendRaw(ctx, "c1", RawMessage{
		MessagesID: "m1", UserID: "u1", Username: "alice", UserType: UserTypeMerchant, Text: "hello",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	id2, err := s.AppendRaw(ctx, "c1", RawMessage{
		MessagesID: "m2", UserID: "u1", Username: "alice", UserType: UserTypeMerchant, Text: "again",
	})
	require.NoError(t, err)

	raws, err := s.ListRaw(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, raws, 2)

	// Newest first.
	assert.Equal(t, id2, raws[0].StreamID)
	assert.Equal(t, "m2", raws[0].MessagesID)
	assert.Equal(t, id1, raws[1].StreamID)
	assert.Greater(t, raws[1].Timestamp, 0.0)

	metrics, err := s.ChatMetrics(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "2", metrics[MetricMessagesReceived])
}

func TestEnsureGroupIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnsureGroup(ctx, "c1"))
	require.NoError(t, s.EnsureGroup(ctx, "c1"))
}

func TestReadNewRawAndAck(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.EnsureGroup(ctx, "c1"))

	id, err := s.AppendRaw(ctx, "c1", RawMessage{
		MessagesID: "m1", UserID: "u1", Username: "alice", UserType: UserTypeMerchant, Text: "hi",
	})
	require.NoError(t, err)

	msgs, err := s.ReadNewRaw(ctx, "c1", "consumer-a", 64, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].StreamID)
	assert.Equal(t, "hi", msgs[0].Text)
	assert.Equal(t, UserTypeMerchant, msgs[0].UserType)

	require.NoError(t, s.AckRaw(ctx, "c1", id))

	// Nothing new after the ack.
	msgs, err = s.ReadNewRaw(ctx, "c1", "consumer-a", 64, -1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestSeriesLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	series, err := s.GetSeries(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, series)

	put := &Series{
		UserID: "u1", MessagesID: "m1", Username: "alice", UserType: UserTypeMerchant,
		Text: "first", StartTS: 100.5, LastTS: 100.5, Count: 1,
	}
	require.NoError(t, s.PutSeries(ctx, "c1", put))

	got, err := s.GetSeries(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, put, got)

	require.NoError(t, s.UpdateSeries(ctx, "c1", "first\nsecond", 102.0, 2))

	got, err = s.GetSeries(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", got.Text)
	assert.Equal(t, 102.0, got.LastTS)
	assert.Equal(t, int64(2), got.Count)
	assert.Equal(t, 100.5, got.StartTS)

	require.NoError(t, s.DeleteSeries(ctx, "c1"))
	got, err = s.GetSeries(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeadlines(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ArmDeadline(ctx, "c1", 100))
	require.NoError(t, s.ArmDeadline(ctx, "c2", 200))

	// Re-arming overwrites instead of duplicating.
	require.NoError(t, s.ArmDeadline(ctx, "c1", 150))

	chats, err := s.DeadlinedChats(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, chats)

	score, ok, err := s.Deadline(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 150.0, score)

	// The boundary is inclusive and popped members are removed.
	expired, err := s.PopExpired(ctx, 150, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, expired)

	expired, err = s.PopExpired(ctx, 150, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)

	chats, err = s.DeadlinedChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, chats)

	require.NoError(t, s.DisarmDeadline(ctx, "c2"))
	_, ok, err = s.Deadline(ctx, "c2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPopExpiredHonorsBatchLimit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.ArmDeadline(ctx, "c1", 10))
	require.NoError(t, s.ArmDeadline(ctx, "c2", 20))
	require.NoError(t, s.ArmDeadline(ctx, "c3", 30))

	expired, err := s.PopExpired(ctx, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, expired)

	expired, err = s.PopExpired(ctx, 100, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, expired)
}

func TestWindowOverride(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	w, err := s.Window(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, w)

	require.NoError(t, s.SetWindow(ctx, "c1", 7))

	w, err = s.Window(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 7, w)

	conf, err := s.ChatConfig(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "7", conf["window_s"])
}

func TestFinalStream(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	id1, err := s.AppendFinal(ctx, "c1", FinalMessage{
		MessagesID: "m1", UserID: "u1", Username: "alice", UserType: UserTypeMerchant,
		Text: "question", StartTS: 100, EndTS: 105, Count: 3,
	})
	require.NoError(t, err)

	id2, err := s.AppendFinal(ctx, "c1", FinalMessage{
		MessagesID: "m9", UserID: "u2", Username: "bob", UserType: UserTypePP,
		Text: "answer", StartTS: 110, EndTS: 110, Count: 1,
	})
	require.NoError(t, err)

	finals, err := s.ListFinal(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, finals, 2)
	assert.Equal(t, id2, finals[0].StreamID)
	assert.Equal(t, id1, finals[1].StreamID)
	assert.Equal(t, "question", finals[1].Text)
	assert.Equal(t, int64(3), finals[1].Count)
	assert.Equal(t, 105.0, finals[1].EndTS)

	require.NoError(t, s.DeleteFinal(ctx, "c1", id1))

	finals, err = s.ListFinal(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, finals, 1)
	assert.Equal(t, id2, finals[0].StreamID)
}

func TestChatStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	status, err := s.ChatStatus(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, status.HasActiveSeries)
	assert.Nil(t, status.DeadlineTimestamp)

	require.NoError(t, s.PutSeries(ctx, "c1", &Series{
		UserID: "u1", Text: "buffered", StartTS: 1, LastTS: 1, Count: 1,
	}))
	require.NoError(t, s.ArmDeadline(ctx, "c1", now()+60))
	require.NoError(t, s.SetWindow(ctx, "c1", 5))
	require.NoError(t, s.IncrMetric(ctx, "c1", MetricMessagesReceived, 4))

	status, err = s.ChatStatus(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, status.HasActiveSeries)
	assert.Equal(t, "buffered", status.ActiveSeries.Text)
	require.NotNil(t, status.DeadlineTimestamp)
	require.NotNil(t, status.DeadlineSecondsLeft)
	assert.Greater(t, *status.DeadlineSecondsLeft, 0.0)
	assert.Equal(t, "5", status.Config["window_s"])
	assert.Equal(t, "4", status.Metrics[MetricMessagesReceived])
}

func TestCleanupChat(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.AppendRaw(ctx, "c1", RawMessage{MessagesID: "m1", UserID: "u1", Text: "x"})
	require.NoError(t, err)
	_, err = s.AppendFinal(ctx, "c1", FinalMessage{MessagesID: "m1", UserID: "u1", Text: "x", Count: 1})
	require.NoError(t, err)
	require.NoError(t, s.PutSeries(ctx, "c1", &Series{UserID: "u1", Count: 1}))
	require.NoError(t, s.SetWindow(ctx, "c1", 9))
	require.NoError(t, s.ArmDeadline(ctx, "c1", 100))

	require.NoError(t, s.CleanupChat(ctx, "c1"))

	raws, err := s.ListRaw(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, raws)

	finals, err := s.ListFinal(ctx, "c1", 10)
	require.NoError(t, err)
	assert.Empty(t, finals)

	series, err := s.GetSeries(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, series)

	_, ok, err := s.Deadline(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	w, err := s.Window(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, w)
}
