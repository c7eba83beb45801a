package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
)

func TestNew_DefaultsBaseURLPerProviderType(t *testing.T) {
	cases := []struct {
		typ     model.ProviderType
		want    string
		concrete any
	}{
		{model.ProviderOpenAI, "https://api.openai.com/v1", &OpenAICompatible{}},
		{model.ProviderOpenRouter, "https://openrouter.ai/api/v1", &OpenAICompatible{}},
		{model.ProviderAnthropic, "https://api.anthropic.com", &Anthropic{}},
		{model.ProviderGoogle, "https://generativelanguage.googleapis.com", &Gemini{}},
		{model.ProviderOllama, "http://localhost:11434", &Ollama{}},
	}
	for _, c := range cases {
		chat, err := New(c.typ, Config{})
		require.NoError(t, err)
		require.IsType(t, c.concrete, chat)
		var got string
		switch v := chat.(type) {
		case *OpenAICompatible:
			got = v.cfg.BaseURL
		case *Anthropic:
			got = v.cfg.BaseURL
		case *Gemini:
			got = v.cfg.BaseURL
		case *Ollama:
			got = v.cfg.BaseURL
		}
		require.Equal(t, c.want, got)
	}
}

func TestNew_RespectsExplicitBaseURL(t *testing.T) {
	chat, err := New(model.ProviderOllama, Config{BaseURL: "http://custom:1234"})
	require.NoError(t, err)
	o, ok := chat.(*Ollama)
	require.True(t, ok)
	require.Equal(t, "http://custom:1234", o.cfg.BaseURL)
}

func TestNew_CustomProviderUsesOpenAICompatibleWithNoDefaultBaseURL(t *testing.T) {
	chat, err := New(model.ProviderCustom, Config{BaseURL: "http://my-gateway"})
	require.NoError(t, err)
	c, ok := chat.(*OpenAICompatible)
	require.True(t, ok)
	require.Equal(t, "http://my-gateway", c.cfg.BaseURL)
}

func TestNew_UnknownProviderType_ReturnsError(t *testing.T) {
	_, err := New(model.ProviderType("made-up"), Config{})
	require.Error(t, err)
}
