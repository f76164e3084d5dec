package store

import (
	"fmt"
	"strconv"
)

// User types carried on every event and record.
const (
	UserTypeMerchant = "merchant"
	UserTypePP       = "pp"
)

// Record type markers. Raw events are "short", final records "long".
const (
	TypeShort = "short"
	TypeLong  = "long"
)

// Per-chat counter fields kept in the metrics hash.
const (
	MetricMessagesReceived   = "messages_received"
	MetricSeriesFlushed      = "series_flushed"
	MetricMessagesAggregated = "messages_aggregated"
)

// RawMessage is a single inbound event in a chat's raw stream.
// Timestamp is the unix arrival time in seconds.
type RawMessage struct {
	StreamID   string
	MessagesID string
	UserID     string
	Username   string
	UserType   string
	Text       string
	Timestamp  float64
}

func (m *RawMessage) toValues() map[string]any {
	return map[string]any{
		"user_id":     m.UserID,
		"messages_id": m.MessagesID,
		"username":    m.Username,
		"user_type":   m.UserType,
		"text":        m.Text,
		"timestamp":   formatTS(m.Timestamp),
		"type":        TypeShort,
	}
}

func rawFromValues(id string, values map[string]any) (RawMessage, error) {
	ts, err := floatField(values, "timestamp", 0)
	if err != nil {
		return RawMessage{}, fmt.Errorf("raw %s: %w", id, err)
	}
	return RawMessage{
		StreamID:   id,
		MessagesID: stringField(values, "messages_id"),
		UserID:     stringField(values, "user_id"),
		Username:   stringField(values, "username"),
		UserType:   stringField(values, "user_type"),
		Text:       stringField(values, "text"),
		Timestamp:  ts,
	}, nil
}

// Series is the single active aggregation buffer of a chat. StartTS and
// LastTS are unix seconds of the first and the most recent fused event.
type Series struct {
	UserID     string
	MessagesID string
	Username   string
	UserType   string
	Text       string
	StartTS    float64
	LastTS     float64
	Count      int64
}

func (s *Series) toMap() map[string]string {
	return map[string]string{
		"user_id":     s.UserID,
		"messages_id": s.MessagesID,
		"username":    s.Username,
		"user_type":   s.UserType,
		"text":        s.Text,
		"start_ts":    formatTS(s.StartTS),
		"last_ts":     formatTS(s.LastTS),
		"count":       strconv.FormatInt(s.Count, 10),
	}
}

func seriesFromMap(m map[string]string) (*Series, error) {
	start, err := floatValue(m, "start_ts", 0)
	if err != nil {
		return nil, err
	}
	last, err := floatValue(m, "last_ts", 0)
	if err != nil {
		return nil, err
	}
	count, err := intValue(m, "count", 1)
	if err != nil {
		return nil, err
	}
	return &Series{
		UserID:     m["user_id"],
		MessagesID: m["messages_id"],
		Username:   m["username"],
		UserType:   m["user_type"],
		Text:       m["text"],
		StartTS:    start,
		LastTS:     last,
		Count:      count,
	}, nil
}

// FinalMessage is one consolidated record in a chat's final stream, the
// unit of escalation and answer matching.
type FinalMessage struct {
	StreamID   string
	MessagesID string
	UserID     string
	Username   string
	UserType   string
	Text       string
	StartTS    float64
	EndTS      float64
	Count      int64
}

func (f *FinalMessage) toValues() map[string]any {
	return map[string]any{
		"user_id":     f.UserID,
		"messages_id": f.MessagesID,
		"username":    f.Username,
		"user_type":   f.UserType,
		"text":        f.Text,
		"start_ts":    formatTS(f.StartTS),
		"end_ts":      formatTS(f.EndTS),
		"count":       strconv.FormatInt(f.Count, 10),
		"type":        TypeLong,
	}
}

func finalFromValues(id string, values map[string]any) (FinalMessage, error) {
	start, err := floatField(values, "start_ts", 0)
	if err != nil {
		return FinalMessage{}, fmt.Errorf("final %s: %w", id, err)
	}
	end, err := floatField(values, "end_ts", 0)
	if err != nil {
		return FinalMessage{}, fmt.Errorf("final %s: %w", id, err)
	}
	count, err := intField(values, "count", 1)
	if err != nil {
		return FinalMessage{}, fmt.Errorf("final %s: %w", id, err)
	}
	return FinalMessage{
		StreamID:   id,
		MessagesID: stringField(values, "messages_id"),
		UserID:     stringField(values, "user_id"),
		Username:   stringField(values, "username"),
		UserType:   stringField(values, "user_type"),
		Text:       stringField(values, "text"),
		StartTS:    start,
		EndTS:      end,
		Count:      count,
	}, nil
}

// formatTS renders a unix-seconds value the way the rest of the stack
// stores it: plain decimal, no exponent.
func formatTS(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

// Field decoding is tolerant of absent fields and strict on malformed
// ones: a missing field takes the fallback, garbage is an error.

func stringField(values map[string]any, key string) string {
	v, ok := values[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func floatField(values map[string]any, key string, fallback float64) (float64, error) {
	v, ok := values[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: parse %q: %w", key, s, err)
	}
	return f, nil
}

func intField(values map[string]any, key string, fallback int64) (int64, error) {
	v, ok := values[key]
	if !ok {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: parse %q: %w", key, s, err)
	}
	return n, nil
}

func floatValue(m map[string]string, key string, fallback float64) (float64, error) {
	s, ok := m[key]
	if !ok || s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: parse %q: %w", key, s, err)
	}
	return f, nil
}

func intValue(m map[string]string, key string, fallback int64) (int64, error) {
	s, ok := m[key]
	if !ok || s == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: parse %q: %w", key, s, err)
	}
	return n, nil
}
