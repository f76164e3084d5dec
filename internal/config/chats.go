package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultMessageTimeout    = 30
	defaultRedisBufferWindow = 2
	defaultSilenceTimeout    = 90
)

// ChatConfig describes one moderated chat, keyed by the MS chat id.
type ChatConfig struct {
	// Display name used in outbound notification texts.
	InputChatName string `yaml:"input_chat_name"`

	Pinger   PingerConfig   `yaml:"pinger"`
	Silencer SilencerConfig `yaml:"silencer"`
}

// PingerConfig controls reminders, the working-hours gate and the
// operator whitelist for a chat.
type PingerConfig struct {
	// Operator handles with the leading "@".
	Whitelist []string `yaml:"whitelist"`

	// When false, messages from the default bot account are dropped.
	BotEnabled bool `yaml:"bot_enabled"`

	// Seconds an unanswered merchant final may age before a reminder.
	MessageTimeout int `yaml:"message_timeout"`

	// Per-chat aggregation window override, seconds.
	RedisBufferWindow int `yaml:"redis_buffer_window"`

	// Chat the reminder notifications are delivered to.
	OutputChatID string `yaml:"output_chat_id"`

	// Working hours. Enabled defaults to true when omitted; when
	// false every inbound message is blocked.
	Enabled   *bool    `yaml:"enabled"`
	StartTime string   `yaml:"start_time"`
	EndTime   string   `yaml:"end_time"`
	Days      []string `yaml:"days"`
}

// SilencerConfig controls silence notifications for a chat.
type SilencerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SilenceTimeout int    `yaml:"silence_timeout"`
	OutputChatID   string `yaml:"output_chat_id"`
}

// ChatsConfig maps MS chat ids to their moderation settings. The YAML
// document is the map itself, without a wrapper key.
type ChatsConfig map[string]*ChatConfig

// LoadChatsConfig reads and validates configs/config_chats.yaml.
func LoadChatsConfig(path string) (ChatsConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chats config: %w", err)
	}
	var c ChatsConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse chats config: %w", err)
	}
	for chatID, chat := range c {
		chat.applyDefaults()
		if err := chat.validate(); err != nil {
			return nil, fmt.Errorf("chat %q: %w", chatID, err)
		}
	}
	return c, nil
}

// Get returns the configuration for a chat id.
func (c ChatsConfig) Get(chatID string) (*ChatConfig, bool) {
	chat, ok := c[chatID]
	return chat, ok
}

func (c *ChatConfig) applyDefaults() {
	if c.Pinger.MessageTimeout == 0 {
		c.Pinger.MessageTimeout = defaultMessageTimeout
	}
	if c.Pinger.RedisBufferWindow == 0 {
		c.Pinger.RedisBufferWindow = defaultRedisBufferWindow
	}
	if c.Silencer.SilenceTimeout == 0 {
		c.Silencer.SilenceTimeout = defaultSilenceTimeout
	}
}

func (c *ChatConfig) validate() error {
	if c.InputChatName == "" {
		return fmt.Errorf("input_chat_name is required")
	}
	if c.Pinger.OutputChatID == "" {
		return fmt.Errorf("pinger.output_chat_id is required")
	}
	if c.Silencer.Enabled && c.Silencer.OutputChatID == "" {
		return fmt.Errorf("silencer.output_chat_id is required when silencer is enabled")
	}
	for _, v := range []string{c.Pinger.StartTime, c.Pinger.EndTime} {
		if v == "" {
			continue
		}
		if _, err := ParseClock(v); err != nil {
			return fmt.Errorf("invalid working-hours bound %q: %w", v, err)
		}
	}
	for _, d := range c.Pinger.Days {
		if !validDay(d) {
			return fmt.Errorf("invalid day %q (want mon..sun)", d)
		}
	}
	return nil
}

// WorkingHoursEnabled reports the pinger enabled flag, defaulting to
// true when the field is omitted.
func (p *PingerConfig) WorkingHoursEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// ParseClock parses an "HH:MM" or "HH:MM:SS" wall-clock bound.
func ParseClock(s string) (time.Time, error) {
	if t, err := time.Parse("15:04:05", s); err == nil {
		return t, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse clock %q: %w", s, err)
	}
	return t, nil
}

func validDay(d string) bool {
	switch d {
	case "mon", "tue", "wed", "thu", "fri", "sat", "sun":
		return true
	}
	return false
}
