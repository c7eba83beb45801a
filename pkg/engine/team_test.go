package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/approval"
	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/store"
)

func seedTeamAgentsDirect(t *testing.T, s *store.Store, ids ...string) []*model.Agent {
	t.Helper()
	var agents []*model.Agent
	for _, id := range ids {
		a := &model.Agent{ID: id, Owner: "owner-1", SystemPrompt: "agent " + id, ProviderID: "prov-" + id, ModelID: "gpt-4"}
		require.NoError(t, s.Agents().Create(a))
		agents = append(agents, a)
	}
	return agents
}

func TestRunTeam_Coordinate_SelectsNamedAgentAndStreams(t *testing.T) {
	s := newTestStore(t)
	seedTeamAgentsDirect(t, s, "router", "worker")
	team := &model.Team{ID: "team-1", Owner: "owner-1", Mode: model.TeamCoordinate, AgentIDs: []string{"router", "worker"}}
	require.NoError(t, s.Teams().Create(team))

	sess := &model.Session{ID: "sess-team-1", Owner: "owner-1", EntityType: model.EntityTeam, EntityID: team.ID}
	require.NoError(t, s.Sessions().Create(sess))

	routerChat := &fakeChat{rounds: [][]provider.StreamChunk{{doneChunk()}}, chatReply: "worker"}
	workerChat := &fakeChat{rounds: [][]provider.StreamChunk{{contentChunk("worker says hi"), doneChunk()}}}

	gate := approval.NewGate()
	rec := newTestRecorder(t, s)
	e := New(s, chatForMap(map[string]provider.Chat{"prov-router": routerChat, "prov-worker": workerChat}, nil), rec, gate, nil, t.TempDir(), nil)

	evts := drainEvents(e.RunTeam(context.Background(), sess, team, "hello team"))
	names := eventNames(evts)
	require.Contains(t, names, events.AgentStep)
	require.Contains(t, names, events.MessageComplete)

	history, err := s.Messages().Recent(sess.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "worker says hi", history[len(history)-1].Content)
}

func TestRunTeam_Collaborate_CarriesPriorOutputForward(t *testing.T) {
	s := newTestStore(t)
	seedTeamAgentsDirect(t, s, "first", "second")
	team := &model.Team{ID: "team-2", Owner: "owner-1", Mode: model.TeamCollaborate, AgentIDs: []string{"first", "second"}}
	require.NoError(t, s.Teams().Create(team))

	sess := &model.Session{ID: "sess-team-2", Owner: "owner-1", EntityType: model.EntityTeam, EntityID: team.ID}
	require.NoError(t, s.Sessions().Create(sess))

	firstChat := &fakeChat{rounds: [][]provider.StreamChunk{{contentChunk("first output"), doneChunk()}}}
	secondChat := &fakeChat{rounds: [][]provider.StreamChunk{{contentChunk("second output"), doneChunk()}}}

	gate := approval.NewGate()
	rec := newTestRecorder(t, s)
	e := New(s, chatForMap(map[string]provider.Chat{"prov-first": firstChat, "prov-second": secondChat}, nil), rec, gate, nil, t.TempDir(), nil)

	drainEvents(e.RunTeam(context.Background(), sess, team, "go"))

	history, err := s.Messages().Recent(sess.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "second output", history[len(history)-1].Content)
}

func TestRunTeam_Route_SynthesizesConcatenatedOutputs(t *testing.T) {
	s := newTestStore(t)
	seedTeamAgentsDirect(t, s, "alpha", "beta")
	team := &model.Team{ID: "team-3", Owner: "owner-1", Mode: model.TeamRoute, AgentIDs: []string{"alpha", "beta"}}
	require.NoError(t, s.Teams().Create(team))

	sess := &model.Session{ID: "sess-team-3", Owner: "owner-1", EntityType: model.EntityTeam, EntityID: team.ID}
	require.NoError(t, s.Sessions().Create(sess))

	alphaChat := &fakeChat{rounds: [][]provider.StreamChunk{
		{contentChunk("alpha reply"), doneChunk()},
		{contentChunk("synthesized final"), doneChunk()},
	}}
	betaChat := &fakeChat{rounds: [][]provider.StreamChunk{{contentChunk("beta reply"), doneChunk()}}}

	gate := approval.NewGate()
	rec := newTestRecorder(t, s)
	e := New(s, chatForMap(map[string]provider.Chat{"prov-alpha": alphaChat, "prov-beta": betaChat}, nil), rec, gate, nil, t.TempDir(), nil)

	drainEvents(e.RunTeam(context.Background(), sess, team, "go"))

	history, err := s.Messages().Recent(sess.ID, 10)
	require.NoError(t, err)
	require.Equal(t, "synthesized final", history[len(history)-1].Content)
}

func TestMatchBranch_FallsBackToFirstOnNoMatch(t *testing.T) {
	require.Equal(t, "yes", matchBranch("maybe", []string{"yes", "no"}))
	require.Equal(t, "no", matchBranch("definitely NO", []string{"yes", "no"}))
	require.Equal(t, "", matchBranch("anything", nil))
}
