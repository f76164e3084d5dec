package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Settings holds process-level configuration sourced from the
// environment. A local .env file is applied first when present;
// real environment variables win.
type Settings struct {
	// Auth token for inbound requests and outbound gateway calls.
	BearerToken string `env:"BEARER_TOKEN,required"`

	// MS account id the service sends notifications as. Incoming
	// messages from this id are treated as operator traffic.
	DefaultBotUserID string `env:"DEFAULT_USER_ID_BOT,required"`

	// Base URL of the kafka-sender gateway.
	KafkaSenderURL string `env:"KAFKA_SENDER_URL,required"`

	LLMURL    string `env:"LLM_URL,required"`
	LLMAPIKey string `env:"LLM_API_KEY,required"`
	LLMModel  string `env:"LLM_MODEL,required"`

	// Seconds between escalation monitor passes.
	CheckInterval int `env:"CHECK_INTERVAL" envDefault:"10"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadSettings reads settings from the environment.
// Priority: env vars > .env file > defaults.
func LoadSettings() (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables only")
	}

	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks constraints not expressible as struct tags.
func (s *Settings) Validate() error {
	if s.CheckInterval <= 0 {
		return fmt.Errorf("CHECK_INTERVAL must be positive, got %d", s.CheckInterval)
	}
	switch s.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", s.LogFormat)
	}
	return nil
}
