package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/dag"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/store"
	"github.com/agentmesh/controlplane/pkg/trace"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open("sqlite3", "file::memory:?cache=shared", 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestExec(t *testing.T, s *store.Store) *dag.Runner {
	t.Helper()
	rec, err := trace.NewRecorder(context.Background(), s, nil)
	require.NoError(t, err)
	return dag.New(s, rec, echoNodes{})
}

// echoNodes is the simplest NodeRunner: every agent node echoes its input.
type echoNodes struct{}

func (echoNodes) RunAgentNode(_ context.Context, agentID, input string, onDelta func(string)) (string, error) {
	out := agentID + ":" + input
	onDelta(out)
	return out, nil
}

func (echoNodes) ClassifyCondition(_ context.Context, _ string, _ string, branches []string) (string, error) {
	if len(branches) == 0 {
		return "", nil
	}
	return branches[0], nil
}

func seedWorkflow(t *testing.T, s *store.Store, id string) {
	t.Helper()
	require.NoError(t, s.Workflows().Create(&model.Workflow{
		ID: id, Owner: "user-1",
		Steps: []model.WorkflowStep{{Order: 1, Task: "run", AgentID: "agent-a"}},
	}))
}

func TestAdd_RegistersAndFires(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s, "wf-1")
	sched := New(s, newTestExec(t, s))

	sc := &model.WorkflowSchedule{ID: "sc-1", WorkflowID: "wf-1", Owner: "user-1", CronExpr: "* * * * *", Input: "go"}
	require.NoError(t, sched.Add(sc))
	require.Contains(t, sched.entries, "sc-1")

	sched.fire(*sc)

	got, err := s.WorkflowSchedules().Active()
	require.NoError(t, err)
	var found *model.WorkflowSchedule
	for i := range got {
		if got[i].ID == "sc-1" {
			found = &got[i]
		}
	}
	require.NotNil(t, found)
	require.False(t, found.LastRunAt.IsZero())
}

func TestAdd_RejectsInvalidCronExpr(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s, "wf-2")
	sched := New(s, newTestExec(t, s))

	sc := &model.WorkflowSchedule{ID: "sc-2", WorkflowID: "wf-2", Owner: "user-1", CronExpr: "not a cron expr"}
	require.Error(t, sched.Add(sc))
}

func TestRemove_DeactivatesAndUnregisters(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s, "wf-3")
	sched := New(s, newTestExec(t, s))

	sc := &model.WorkflowSchedule{ID: "sc-3", WorkflowID: "wf-3", Owner: "user-1", CronExpr: "* * * * *"}
	require.NoError(t, sched.Add(sc))

	require.NoError(t, sched.Remove("sc-3"))
	_, ok := sched.entries["sc-3"]
	require.False(t, ok)

	active, err := s.WorkflowSchedules().Active()
	require.NoError(t, err)
	for _, a := range active {
		require.NotEqual(t, "sc-3", a.ID)
	}
}

func TestReplace_SwapsCronEntry(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s, "wf-4")
	sched := New(s, newTestExec(t, s))

	sc := &model.WorkflowSchedule{ID: "sc-4", WorkflowID: "wf-4", Owner: "user-1", CronExpr: "0 0 * * *"}
	require.NoError(t, sched.Add(sc))
	firstEntry := sched.entries["sc-4"]

	sc.CronExpr = "*/5 * * * *"
	require.NoError(t, sched.Replace(*sc))
	require.NotEqual(t, firstEntry, sched.entries["sc-4"])
}

func TestStart_ReRegistersActiveSchedules(t *testing.T) {
	s := newTestStore(t)
	seedWorkflow(t, s, "wf-5")
	require.NoError(t, s.WorkflowSchedules().Create(&model.WorkflowSchedule{
		ID: "sc-5", WorkflowID: "wf-5", Owner: "user-1", CronExpr: "* * * * *", Input: "go",
	}))

	sched := New(s, newTestExec(t, s))
	require.NoError(t, sched.Start())
	defer sched.Stop(context.Background())

	require.Contains(t, sched.entries, "sc-5")
}

func TestFire_UnknownWorkflowSkipsWithoutPanicking(t *testing.T) {
	s := newTestStore(t)
	sched := New(s, newTestExec(t, s))

	sc := model.WorkflowSchedule{ID: "sc-6", WorkflowID: "does-not-exist", Owner: "user-1", CronExpr: "* * * * *"}
	require.NotPanics(t, func() { sched.fire(sc) })
}

func TestStop_ReturnsPromptlyWhenNoJobsRunning(t *testing.T) {
	s := newTestStore(t)
	sched := New(s, newTestExec(t, s))
	require.NoError(t, sched.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sched.Stop(ctx)
	require.NoError(t, ctx.Err())
}
