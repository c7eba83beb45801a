package dag

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentmesh/controlplane/pkg/events"
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

func newTestRecorder(t *testing.T, s *store.Store) *trace.Recorder {
	t.Helper()
	rec, err := trace.NewRecorder(context.Background(), s, nil)
	require.NoError(t, err)
	return rec
}

// fakeNodes is a NodeRunner stub: agent nodes echo their input prefixed by
// the agent id, and condition nodes pick the branch name equal to
// contextText (falling back to the first branch).
type fakeNodes struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeNodes) RunAgentNode(_ context.Context, agentID, input string, onDelta func(string)) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, agentID)
	f.mu.Unlock()
	out := fmt.Sprintf("[%s] %s", agentID, input)
	onDelta(out)
	return out, nil
}

func (f *fakeNodes) ClassifyCondition(_ context.Context, contextText, _ string, branches []string) (string, error) {
	for _, b := range branches {
		if contextText == b {
			return b, nil
		}
	}
	if len(branches) == 0 {
		return "", nil
	}
	return branches[0], nil
}

func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func newRun(t *testing.T, s *store.Store, id string, wf *model.Workflow) *model.WorkflowRun {
	run := &model.WorkflowRun{
		ID: id, WorkflowID: "wf-" + id, SessionID: "sess-" + id, Status: model.RunRunning,
		Steps: InitialStepResults(wf),
	}
	require.NoError(t, s.WorkflowRuns().Create(run))
	return run
}

func TestExecute_SequentialChainsStepOutputs(t *testing.T) {
	s := newTestStore(t)
	nodes := &fakeNodes{}
	r := New(s, newTestRecorder(t, s), nodes)

	wf := &model.Workflow{ID: "wf-1", Steps: []model.WorkflowStep{
		{Order: 1, Task: "first", AgentID: "agent-a"},
		{Order: 2, Task: "second", AgentID: "agent-b"},
	}}
	require.False(t, wf.IsDAG())

	run := newRun(t, s, "run-1", wf)
	evts := drain(r.Execute(context.Background(), run, wf, "hello"))

	require.Equal(t, []string{"agent-a", "agent-b"}, nodes.calls)

	names := make([]string, len(evts))
	for i, e := range evts {
		names[i] = e.Name
	}
	require.Contains(t, names, events.WorkflowComplete)
	require.Equal(t, events.Done, names[len(names)-1])

	got, err := s.WorkflowRuns().Get("run-1")
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, got.Status)
	require.Len(t, got.Steps, 2)
	for _, sr := range got.Steps {
		require.Equal(t, "completed", sr.Status)
	}
}

func TestExecute_DAGRunsParallelAndConcatenatesSinks(t *testing.T) {
	s := newTestStore(t)
	nodes := &fakeNodes{}
	r := New(s, newTestRecorder(t, s), nodes)

	// start -> {a, b} -> end
	wf := &model.Workflow{ID: "wf-2", Steps: []model.WorkflowStep{
		{ID: "start", NodeType: model.NodeStart, Order: 1},
		{ID: "a", NodeType: model.NodeAgent, AgentID: "agent-a", Order: 2, DependsOn: []string{"start"}},
		{ID: "b", NodeType: model.NodeAgent, AgentID: "agent-b", Order: 3, DependsOn: []string{"start"}},
		{ID: "end", NodeType: model.NodeEnd, Order: 4, DependsOn: []string{"a", "b"}},
	}}
	require.True(t, wf.IsDAG())

	run := newRun(t, s, "run-2", wf)
	evts := drain(r.Execute(context.Background(), run, wf, "go"))

	require.ElementsMatch(t, []string{"agent-a", "agent-b"}, nodes.calls)

	var complete *events.Event
	for i := range evts {
		if evts[i].Name == events.WorkflowComplete {
			complete = &evts[i]
		}
	}
	require.NotNil(t, complete)
	payload := complete.Payload.(map[string]string)
	require.Contains(t, payload["final_output"], "agent-a")
	require.Contains(t, payload["final_output"], "agent-b")

	got, err := s.WorkflowRuns().Get("run-2")
	require.NoError(t, err)
	require.Len(t, got.Steps, 4)
	byID := make(map[string]string, len(got.Steps))
	for _, sr := range got.Steps {
		byID[sr.StepID] = sr.Status
	}
	require.Equal(t, "completed", byID["start"])
	require.Equal(t, "completed", byID["a"])
	require.Equal(t, "completed", byID["b"])
	require.Equal(t, "completed", byID["end"])
}

func TestExecute_ConditionNodeSkipsNonTakenBranch(t *testing.T) {
	s := newTestStore(t)
	nodes := &fakeNodes{}
	r := New(s, newTestRecorder(t, s), nodes)

	wf := &model.Workflow{ID: "wf-3", Steps: []model.WorkflowStep{
		{ID: "start", NodeType: model.NodeStart, Order: 1, Task: "yes"},
		{ID: "route", NodeType: model.NodeCondition, Order: 2, DependsOn: []string{"start"},
			Condition: &model.ConditionConfig{Branches: []string{"yes", "no"}}},
		{ID: "yes-branch", NodeType: model.NodeAgent, AgentID: "agent-yes", Order: 3, DependsOn: []string{"route"}, InputBranch: "yes"},
		{ID: "no-branch", NodeType: model.NodeAgent, AgentID: "agent-no", Order: 4, DependsOn: []string{"route"}, InputBranch: "no"},
	}}

	run := newRun(t, s, "run-3", wf)
	drain(r.Execute(context.Background(), run, wf, "go"))

	require.Equal(t, []string{"agent-yes"}, nodes.calls)

	got, err := s.WorkflowRuns().Get("run-3")
	require.NoError(t, err)
	byID := make(map[string]string, len(got.Steps))
	for _, sr := range got.Steps {
		byID[sr.StepID] = sr.Status
	}
	require.Equal(t, "completed", byID["yes-branch"])
	require.Equal(t, "skipped", byID["no-branch"])
}

func TestExecute_SkipCascadesToDownstreamNodes(t *testing.T) {
	s := newTestStore(t)
	nodes := &fakeNodes{}
	r := New(s, newTestRecorder(t, s), nodes)

	wf := &model.Workflow{ID: "wf-cascade", Steps: []model.WorkflowStep{
		{ID: "start", NodeType: model.NodeStart, Order: 1, Task: "yes"},
		{ID: "route", NodeType: model.NodeCondition, Order: 2, DependsOn: []string{"start"},
			Condition: &model.ConditionConfig{Branches: []string{"yes", "no"}}},
		{ID: "no-branch", NodeType: model.NodeAgent, AgentID: "agent-no", Order: 3, DependsOn: []string{"route"}, InputBranch: "no"},
		{ID: "after-no", NodeType: model.NodeAgent, AgentID: "agent-after", Order: 4, DependsOn: []string{"no-branch"}},
		{ID: "end", NodeType: model.NodeEnd, Order: 5, DependsOn: []string{"after-no"}},
	}}

	run := newRun(t, s, "run-cascade", wf)
	drain(r.Execute(context.Background(), run, wf, "go"))

	require.Empty(t, nodes.calls, "no agent node should run when its whole branch is skipped")

	got, err := s.WorkflowRuns().Get("run-cascade")
	require.NoError(t, err)
	byID := make(map[string]string, len(got.Steps))
	for _, sr := range got.Steps {
		byID[sr.StepID] = sr.Status
	}
	require.Equal(t, "skipped", byID["no-branch"])
	require.Equal(t, "skipped", byID["after-no"], "a node depending on a skipped node must cascade to skipped, not stay pending")
	require.Equal(t, "skipped", byID["end"], "a node depending transitively on a skipped node must also cascade")
}

func TestValidateAcyclic_DetectsCycle(t *testing.T) {
	steps := []model.WorkflowStep{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	}
	require.Error(t, validateAcyclic(steps))
}

func TestValidateAcyclic_AcceptsDAG(t *testing.T) {
	steps := []model.WorkflowStep{
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
	}
	require.NoError(t, validateAcyclic(steps))
}

func TestExecute_FailedNodeMarksRunFailed(t *testing.T) {
	s := newTestStore(t)
	nodes := &failingNodes{}
	r := New(s, newTestRecorder(t, s), nodes)

	wf := &model.Workflow{ID: "wf-4", Steps: []model.WorkflowStep{
		{ID: "a", NodeType: model.NodeAgent, AgentID: "agent-a", Order: 1},
	}}

	run := newRun(t, s, "run-4", wf)
	evts := drain(r.Execute(context.Background(), run, wf, "go"))

	names := make([]string, len(evts))
	for i, e := range evts {
		names[i] = e.Name
	}
	require.Contains(t, names, events.WorkflowError)

	got, err := s.WorkflowRuns().Get("run-4")
	require.NoError(t, err)
	require.Equal(t, model.RunFailed, got.Status)
	require.Len(t, got.Steps, 1)
	require.Equal(t, "failed", got.Steps[0].Status)
	require.Equal(t, "boom", got.Steps[0].Error)
}

type failingNodes struct{}

func (failingNodes) RunAgentNode(_ context.Context, _ string, _ string, _ func(string)) (string, error) {
	return "", fmt.Errorf("boom")
}

func (failingNodes) ClassifyCondition(_ context.Context, _ string, _ string, branches []string) (string, error) {
	if len(branches) == 0 {
		return "", nil
	}
	return branches[0], nil
}
