package llm

import (
	"context"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Prompt is the bounded instruction payload. System carries the rules and
// User carries the data; backends without roles render both through a Template.
type Prompt struct {
	System string
	User   string
}

// Len returns the prompt size in bytes.
func (p Prompt) Len() int { return len(p.System) + len(p.User) }

// GenerationConfig holds the sampling parameters for one call.
type GenerationConfig struct {
	MaxTokens   int      `yaml:"max_tokens"`
	Temperature float32  `yaml:"temperature"`
	TopP        float32  `yaml:"top_p"`
	Stop        []string `yaml:"stop"`
}

// DefaultGenerationConfig matches the tuning the reports were written with.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		MaxTokens:   500,
		Temperature: 0.3,
		TopP:        0.9,
		Stop:        []string{"<|eot_id|>", "<|end_of_text|>"},
	}
}

// Validate rejects out-of-range sampling parameters.
func (g GenerationConfig) Validate() error {
	if g.MaxTokens < 0 {
		return errInvalid("max_tokens must not be negative")
	}
	if g.Temperature < 0 || g.Temperature > 2 {
		return errInvalid("temperature must be between 0 and 2")
	}
	if g.TopP < 0 || g.TopP > 1 {
		return errInvalid("top_p must be between 0 and 1")
	}
	return nil
}

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator is the generation capability the pipeline depends on.
// Implementations fail with a generation error and never retry internally.
type Generator interface {
	Generate(ctx context.Context, prompt Prompt, cfg GenerationConfig) (string, error)
}

type invalidError string

func (e invalidError) Error() string { return string(e) }

func errInvalid(msg string) error { return invalidError(msg) }
