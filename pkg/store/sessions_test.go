package store

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/model"
)

func TestSessionRepo_CreateGet_PreservesEntityTypeAndID(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess-1", Owner: "owner-1", EntityType: model.EntityAgent, EntityID: "agent-1", Title: "chat"}
	require.NoError(t, s.Sessions().Create(sess))

	got, err := s.Sessions().Get("sess-1")
	require.NoError(t, err)
	require.Equal(t, model.EntityAgent, got.EntityType)
	require.Equal(t, "agent-1", got.EntityID)
	require.False(t, got.MemoryProcessed)
}

func TestSessionRepo_CreateGet_TeamEntity(t *testing.T) {
	s := newTestStore(t)
	sess := &model.Session{ID: "sess-2", Owner: "owner-1", EntityType: model.EntityTeam, EntityID: "team-1"}
	require.NoError(t, s.Sessions().Create(sess))

	got, err := s.Sessions().Get("sess-2")
	require.NoError(t, err)
	require.Equal(t, model.EntityTeam, got.EntityType)
	require.Equal(t, "team-1", got.EntityID)
}

func TestSessionRepo_MarkMemoryProcessed_ExcludesFromUnprocessed(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Sessions().Create(&model.Session{
		ID: "sess-1", Owner: "owner-1", EntityType: model.EntityAgent, EntityID: "agent-1",
	}))
	require.NoError(t, s.Sessions().Create(&model.Session{
		ID: "sess-2", Owner: "owner-1", EntityType: model.EntityAgent, EntityID: "agent-1",
	}))

	unprocessed, err := s.Sessions().UnprocessedForAgent("agent-1", "owner-1")
	require.NoError(t, err)
	require.Len(t, unprocessed, 2)

	require.NoError(t, s.Sessions().MarkMemoryProcessed("sess-1"))

	unprocessed, err = s.Sessions().UnprocessedForAgent("agent-1", "owner-1")
	require.NoError(t, err)
	require.Len(t, unprocessed, 1)
	require.Equal(t, "sess-2", unprocessed[0].ID)
}

func TestSessionRepo_TouchLastMessage_UpdatesTimestamp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Sessions().Create(&model.Session{ID: "sess-1", Owner: "owner-1", EntityType: model.EntityAgent, EntityID: "agent-1"}))

	now := time.Now().Truncate(time.Second)
	require.NoError(t, s.Sessions().TouchLastMessage("sess-1", now))

	got, err := s.Sessions().Get("sess-1")
	require.NoError(t, err)
	require.WithinDuration(t, now, got.LastMessageAt, time.Second)
}

func TestMessageRepo_AppendRecent_ReturnsAscendingOrder(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Sessions().Create(&model.Session{ID: "sess-1", Owner: "owner-1", EntityType: model.EntityAgent, EntityID: "agent-1"}))

	for i := 1; i <= 3; i++ {
		seq, err := s.Messages().NextSequence("sess-1")
		require.NoError(t, err)
		require.NoError(t, s.Messages().Append(&model.Message{
			ID: seqID(i), SessionID: "sess-1", Sequence: seq, Role: model.RoleUserMsg, Content: seqContent(i),
		}))
	}

	msgs, err := s.Messages().Recent("sess-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "msg-1", msgs[0].ID)
	require.Equal(t, "msg-3", msgs[2].ID)
}

func seqID(i int) string      { return "msg-" + strconv.Itoa(i) }
func seqContent(i int) string { return "content-" + strconv.Itoa(i) }
