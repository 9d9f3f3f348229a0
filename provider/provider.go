package provider

import (
	"fmt"

	"github.com/zianansar/proposal-writer-sub006/config"
	"github.com/zianansar/proposal-writer-sub006/internal/pipeline"
	openai_provider "github.com/zianansar/proposal-writer-sub006/provider/openai"
)

// Client represents different LLM providers
type Client string

const (
	OpenAI Client = "openai"
)

// NewGenerator creates a generation client based on the provided configuration
func NewGenerator(client Client, cfg config.LLMConfig) (pipeline.Generator, error) {
	switch client {
	case OpenAI, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm.api_key is required for the openai provider")
		}
		return openai_provider.NewClient(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", client)
	}
}
