// Package dag is the DAG Executor: two modes over the same
// step list — sequential ascending-order execution when no step carries
// a stable id, or a parallel ready-set loop over a validated acyclic
// graph otherwise. The ready-set loop spawns every node whose
// dependencies are satisfied, waits for at least one in-flight node to
// finish by blocking on a single shared results channel, updates the
// ready set, and repeats until nothing is left running or eligible.
package dag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/store"
	"github.com/agentmesh/controlplane/pkg/trace"
)

// NodeRunner executes the leaf behavior of an agent or condition node.
// Implemented by pkg/engine, which owns the tool loop, provider
// selection, and context management the DAG Executor itself stays
// agnostic to.
type NodeRunner interface {
	// RunAgentNode runs agentID's full tool loop against input, calling
	// onDelta for every content increment, and returns the final
	// assistant content.
	RunAgentNode(ctx context.Context, agentID, input string, onDelta func(string)) (string, error)

	// ClassifyCondition reduces contextText to one of branches using an
	// LLM classifier call, for the condition node.
	ClassifyCondition(ctx context.Context, contextText, conditionPrompt string, branches []string) (string, error)
}

// Runner executes WorkflowRuns against a Workflow's step list.
type Runner struct {
	store *store.Store
	trace *trace.Recorder
	nodes NodeRunner
}

func New(s *store.Store, rec *trace.Recorder, nodes NodeRunner) *Runner {
	return &Runner{store: s, trace: rec, nodes: nodes}
}

// InitialStepResults builds the pending per-step snapshot for a workflow,
// keyed the same way executeSequential/executeDAG key their
// UpdateStepResult calls: a step's stable id in DAG mode, "seq-<order>"
// in sequential mode. Callers persist this on the WorkflowRun before
// Execute runs, so every step has a row to update in place.
func InitialStepResults(wf *model.Workflow) []model.StepResult {
	isDAG := wf.IsDAG()
	out := make([]model.StepResult, 0, len(wf.Steps))
	for _, step := range wf.Steps {
		id := step.ID
		if !isDAG {
			id = fmt.Sprintf("seq-%d", step.Order)
		}
		out = append(out, model.StepResult{StepID: id, Status: "pending"})
	}
	return out
}

// Execute runs the workflow and streams progress events, closing the
// returned channel once a done event has been sent. The caller is
// expected to read until the channel closes.
func (r *Runner) Execute(ctx context.Context, run *model.WorkflowRun, wf *model.Workflow, userInput string) <-chan events.Event {
	out := make(chan events.Event, 16)
	go func() {
		defer close(out)

		out <- events.Event{Name: events.WorkflowStart, Payload: map[string]any{
			"run_id": run.ID, "total_steps": len(wf.Steps),
		}}

		var finalOutput string
		var runErr error
		if wf.IsDAG() {
			finalOutput, runErr = r.executeDAG(ctx, run, wf, userInput, out)
		} else {
			finalOutput, runErr = r.executeSequential(ctx, run, wf, userInput, out)
		}

		if runErr != nil {
			_ = r.store.WorkflowRuns().Finish(run.ID, model.RunFailed, finalOutput, runErr.Error())
			out <- events.Event{Name: events.WorkflowError, Payload: map[string]string{"run_id": run.ID, "error": runErr.Error()}}
		} else {
			_ = r.store.WorkflowRuns().Finish(run.ID, model.RunCompleted, finalOutput, "")
			out <- events.Event{Name: events.WorkflowComplete, Payload: map[string]string{"run_id": run.ID, "final_output": finalOutput}}
		}
		out <- events.Event{Name: events.Done, Payload: map[string]any{}}
	}()
	return out
}

// ---------------------------------------------------------------------
// Sequential mode
// ---------------------------------------------------------------------

func (r *Runner) executeSequential(ctx context.Context, run *model.WorkflowRun, wf *model.Workflow, userInput string, out chan<- events.Event) (string, error) {
	steps := make([]model.WorkflowStep, len(wf.Steps))
	copy(steps, wf.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	previous := userInput
	for _, step := range steps {
		if step.NodeType != "" && step.NodeType != model.NodeAgent {
			return "", fmt.Errorf("sequential mode only supports agent steps, step %d has node_type %q", step.Order, step.NodeType)
		}

		// Sequential-mode steps have no stable id (that's the definition
		// of sequential mode), so step results are keyed by order instead
		// to keep each step's (run_id, step_id) row unique.
		stepKey := fmt.Sprintf("seq-%d", step.Order)
		sr := model.StepResult{StepID: stepKey, Status: "running"}
		_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, sr)
		out <- events.Event{Name: events.NodeStart, Payload: map[string]any{
			"step_order": step.Order, "agent_id": step.AgentID, "task": step.Task,
		}}

		input := fmt.Sprintf("Task: %s\n\nInput:\n%s", step.Task, previous)

		_, span := r.trace.Start(ctx, model.SpanWorkflowStep, "workflow_step", run.SessionID, run.ID, 0)
		output, err := r.nodes.RunAgentNode(ctx, step.AgentID, input, func(delta string) {
			out <- events.Event{Name: events.NodeContentDelta, Payload: map[string]any{"step_order": step.Order, "content": delta}}
		})
		if err != nil {
			span.Finish(0, 0, model.SpanError, err)
			sr.Status, sr.Error = "failed", err.Error()
			_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, sr)
			out <- events.Event{Name: events.NodeError, Payload: map[string]any{"step_order": step.Order, "error": err.Error()}}
			return "", fmt.Errorf("step %d (agent %s): %w", step.Order, step.AgentID, err)
		}
		span.Finish(0, 0, model.SpanOK, nil)

		sr.Status, sr.Output = "completed", output
		_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, sr)
		out <- events.Event{Name: events.NodeComplete, Payload: map[string]any{"step_order": step.Order, "output": output}}

		previous = output
	}
	return previous, nil
}

// ---------------------------------------------------------------------
// DAG mode
// ---------------------------------------------------------------------

type nodeResult struct {
	id     string
	output string
	err    error
}

func (r *Runner) executeDAG(ctx context.Context, run *model.WorkflowRun, wf *model.Workflow, userInput string, out chan<- events.Event) (string, error) {
	if err := validateAcyclic(wf.Steps); err != nil {
		return "", err
	}

	nodeMap := make(map[string]model.WorkflowStep, len(wf.Steps))
	for _, s := range wf.Steps {
		nodeMap[s.ID] = s
	}

	outputs := map[string]string{}
	conditionOutputs := map[string]string{}
	skipped := map[string]bool{}
	completed := map[string]bool{}
	failed := map[string]bool{}
	inFlight := map[string]bool{}

	results := make(chan nodeResult)

	nodeReady := func(id string) bool {
		s := nodeMap[id]
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				return false
			}
			if s.InputBranch != "" {
				if chosen, ok := conditionOutputs[dep]; ok && chosen != s.InputBranch {
					return false
				}
			}
		}
		return true
	}

	spawn := func(id string) {
		inFlight[id] = true
		step := nodeMap[id]
		_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, model.StepResult{StepID: id, Status: "running"})
		go func() {
			output, err := r.runDAGNode(ctx, run, step, outputs, userInput, out)
			results <- nodeResult{id: id, output: output, err: err}
		}()
	}

	for {
		// Skipping cascades: a node depending on a skipped node can never
		// become ready (nodeReady requires completed[dep]), so it must be
		// skipped too rather than left pending forever. Repeat to a
		// fixpoint since one cascade can expose another.
		for cascaded := true; cascaded; {
			cascaded = false
			for id, s := range nodeMap {
				if completed[id] || failed[id] || skipped[id] || inFlight[id] {
					continue
				}
				for _, dep := range s.DependsOn {
					if skipped[dep] {
						skipped[id] = true
						_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, model.StepResult{StepID: id, Status: "skipped"})
						cascaded = true
						break
					}
				}
			}
		}

		var ready []string
		for id := range nodeMap {
			if !completed[id] && !inFlight[id] && !failed[id] && !skipped[id] && nodeReady(id) {
				ready = append(ready, id)
			}
		}
		sort.Strings(ready) // deterministic spawn order across runs
		for _, id := range ready {
			spawn(id)
		}

		if len(inFlight) == 0 {
			break // nothing running and nothing became ready: either done or deadlocked
		}

		res := <-results
		delete(inFlight, res.id)

		if res.err != nil {
			failed[res.id] = true
			_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, model.StepResult{StepID: res.id, Status: "failed", Error: res.err.Error()})
			out <- events.Event{Name: events.NodeError, Payload: map[string]any{"node_id": res.id, "error": res.err.Error()}}
			continue
		}

		completed[res.id] = true
		outputs[res.id] = res.output
		_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, model.StepResult{StepID: res.id, Status: "completed", Output: res.output})

		step := nodeMap[res.id]
		if step.NodeType == model.NodeCondition {
			conditionOutputs[res.id] = res.output
			for otherID, other := range nodeMap {
				if completed[otherID] || skipped[otherID] || inFlight[otherID] {
					continue
				}
				if other.InputBranch != "" && contains(other.DependsOn, res.id) && other.InputBranch != res.output {
					skipped[otherID] = true
					_ = r.store.WorkflowRuns().UpdateStepResult(run.ID, model.StepResult{StepID: otherID, Status: "skipped"})
				}
			}
		}

		out <- events.Event{Name: events.NodeComplete, Payload: map[string]any{"node_id": res.id, "output": res.output}}
	}

	if len(failed) > 0 {
		return "", fmt.Errorf("one or more nodes failed")
	}

	return finalOutputFromSinks(wf.Steps, outputs, skipped), nil
}

// runDAGNode executes one node's behavior by type, writing node_start and
// node_content_delta events as it goes; node_complete/node_error are
// emitted by the caller once the result is read off the results channel.
func (r *Runner) runDAGNode(ctx context.Context, run *model.WorkflowRun, step model.WorkflowStep, outputs map[string]string, userInput string, out chan<- events.Event) (string, error) {
	switch step.NodeType {
	case model.NodeStart:
		if step.Task != "" {
			return step.Task, nil
		}
		return userInput, nil

	case model.NodeEnd:
		return joinUpstream(step.DependsOn, outputs), nil

	case model.NodeCondition:
		upstream := joinUpstream(step.DependsOn, outputs)
		if upstream == "" {
			upstream = userInput
		}
		branches := []string{}
		prompt := step.Task
		if step.Condition != nil {
			branches = step.Condition.Branches
			if step.Condition.ConditionPrompt != "" {
				prompt = step.Condition.ConditionPrompt
			}
		}
		return r.nodes.ClassifyCondition(ctx, upstream, prompt, branches)

	case model.NodeAgent, "":
		out <- events.Event{Name: events.NodeStart, Payload: map[string]any{"node_id": step.ID, "agent_id": step.AgentID, "task": step.Task}}

		input := formatDAGInput(step.Task, step.DependsOn, outputs, userInput)
		_, span := r.trace.Start(ctx, model.SpanWorkflowStep, "workflow_step", run.SessionID, run.ID, 0)
		output, err := r.nodes.RunAgentNode(ctx, step.AgentID, input, func(delta string) {
			out <- events.Event{Name: events.NodeContentDelta, Payload: map[string]any{"node_id": step.ID, "content": delta}}
		})
		if err != nil {
			span.Finish(0, 0, model.SpanError, err)
			return "", err
		}
		span.Finish(0, 0, model.SpanOK, nil)
		return output, nil

	default:
		return "", fmt.Errorf("unknown node type %q", step.NodeType)
	}
}

func formatDAGInput(task string, dependsOn []string, outputs map[string]string, userInput string) string {
	upstream := upstreamMap(dependsOn, outputs)
	if len(upstream) == 0 {
		return fmt.Sprintf("Task: %s\n\nInput:\n%s", task, userInput)
	}
	var sections []string
	for _, dep := range dependsOn {
		if v, ok := upstream[dep]; ok {
			sections = append(sections, fmt.Sprintf("Output from step '%s':\n%s", dep, v))
		}
	}
	return fmt.Sprintf("Task: %s\n\nUpstream context:\n%s", task, strings.Join(sections, "\n\n"))
}

func upstreamMap(dependsOn []string, outputs map[string]string) map[string]string {
	m := map[string]string{}
	for _, dep := range dependsOn {
		if v, ok := outputs[dep]; ok {
			m[dep] = v
		}
	}
	return m
}

func joinUpstream(dependsOn []string, outputs map[string]string) string {
	var parts []string
	for _, dep := range dependsOn {
		if v, ok := outputs[dep]; ok {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n\n")
}

// finalOutputFromSinks concatenates the outputs of sink nodes: steps no
// other step depends on, and that were not skipped.
func finalOutputFromSinks(steps []model.WorkflowStep, outputs map[string]string, skipped map[string]bool) string {
	downstreamDeps := map[string]bool{}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			downstreamDeps[dep] = true
		}
	}
	var parts []string
	for _, s := range steps {
		if downstreamDeps[s.ID] || skipped[s.ID] {
			continue
		}
		if v, ok := outputs[s.ID]; ok && v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, "\n\n")
}

func contains(list []string, target string) bool {
	for _, v := range list {
		if v == target {
			return true
		}
	}
	return false
}

// validateAcyclic runs a three-colour (white/grey/black) DFS over the
// depends_on graph.
func validateAcyclic(steps []model.WorkflowStep) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	adj := make(map[string][]string, len(steps))
	color := make(map[string]int, len(steps))
	for _, s := range steps {
		adj[s.ID] = s.DependsOn
		color[s.ID] = white
	}

	var dfs func(node string) error
	dfs = func(node string) error {
		color[node] = gray
		for _, dep := range adj[node] {
			if _, ok := color[dep]; !ok {
				continue // dep references a node outside this workflow; ignore
			}
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected involving node %q", dep)
			case white:
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}
		color[node] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if err := dfs(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
