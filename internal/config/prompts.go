package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PromptsConfig holds the LLM system prompts and the raw JSON schemas
// forwarded verbatim in response_format. Schemas stay untyped maps so
// prompt engineering never requires a code change.
type PromptsConfig struct {
	SystemPrompt         string         `yaml:"system_prompt"`
	ClassificationSchema map[string]any `yaml:"classification_schema"`
	QALinkSystemPrompt   string         `yaml:"qa_link_system_prompt"`
	QALinkSchema         map[string]any `yaml:"qa_link_schema"`
}

// LoadPromptsConfig reads configs/prompts.yaml.
func LoadPromptsConfig(path string) (*PromptsConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts config: %w", err)
	}
	var c PromptsConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse prompts config: %w", err)
	}
	if c.SystemPrompt == "" {
		return nil, fmt.Errorf("prompts config: system_prompt is required")
	}
	if len(c.ClassificationSchema) == 0 {
		return nil, fmt.Errorf("prompts config: classification_schema is required")
	}
	return &c, nil
}
