package provider

import (
	"fmt"

	"github.com/agentmesh/controlplane/pkg/model"
)

// New constructs the Chat variant for a provider type.
func New(providerType model.ProviderType, cfg Config) (Chat, error) {
	switch providerType {
	case model.ProviderOpenAI, model.ProviderOpenRouter, model.ProviderCustom:
		if cfg.BaseURL == "" && providerType == model.ProviderOpenAI {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.BaseURL == "" && providerType == model.ProviderOpenRouter {
			cfg.BaseURL = "https://openrouter.ai/api/v1"
		}
		return NewOpenAICompatible(cfg), nil
	case model.ProviderAnthropic:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.anthropic.com"
		}
		return NewAnthropic(cfg), nil
	case model.ProviderGoogle:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://generativelanguage.googleapis.com"
		}
		return NewGemini(cfg), nil
	case model.ProviderOllama:
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", providerType)
	}
}
