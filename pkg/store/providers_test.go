package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
)

func TestProviderRepo_CreateGet_RoundTripsConfig(t *testing.T) {
	s := newTestStore(t)
	p := &model.Provider{
		ID: "prov-1", Owner: "owner-1", Type: model.ProviderAnthropic,
		BaseURL: "https://api.anthropic.com", APIKeyEnc: "sk-test", DefaultModelID: "claude-opus",
		Config: model.ProviderConfig{},
	}
	require.NoError(t, s.Providers().Create(p))

	got, err := s.Providers().Get("prov-1")
	require.NoError(t, err)
	require.Equal(t, model.ProviderAnthropic, got.Type)
	require.Equal(t, "https://api.anthropic.com", got.BaseURL)
	require.Equal(t, "claude-opus", got.DefaultModelID)
}

func TestProviderRepo_ForOwner_ScopesToOwner(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Providers().Create(&model.Provider{ID: "p1", Owner: "a", Type: model.ProviderOpenAI}))
	require.NoError(t, s.Providers().Create(&model.Provider{ID: "p2", Owner: "b", Type: model.ProviderOpenAI}))

	got, err := s.Providers().ForOwner("a")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "p1", got[0].ID)
}

func TestProviderRepo_Delete_RemovesRow(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Providers().Create(&model.Provider{ID: "p1", Owner: "a", Type: model.ProviderOpenAI}))
	require.NoError(t, s.Providers().Delete("p1"))

	_, err := s.Providers().Get("p1")
	require.Error(t, err)
}
