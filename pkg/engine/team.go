package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/provider"
)

// RunTeam drives one user turn against a team via the team-mode dispatch
// rules below. Every mode ultimately hands off to run() for the
// agent that actually streams the final reply, so persistence, tracing,
// and element scanning stay identical to the single-agent path.
func (e *Engine) RunTeam(ctx context.Context, session *model.Session, team *model.Team, userContent string) <-chan events.Event {
	out := make(chan events.Event, 16)
	go func() {
		defer close(out)
		e.runTeam(ctx, session, team, userContent, out)
	}()
	return out
}

func (e *Engine) runTeam(ctx context.Context, session *model.Session, team *model.Team, userContent string, out chan<- events.Event) {
	agents, err := e.loadTeamAgents(team)
	if err != nil {
		out <- events.Event{Name: events.Error, Payload: map[string]string{"error": err.Error()}}
		return
	}

	switch team.Mode {
	case model.TeamRoute:
		e.runTeamRoute(ctx, session, agents, userContent, out)
	case model.TeamCollaborate:
		e.runTeamCollaborate(ctx, session, agents, userContent, out)
	default: // TeamCoordinate, and any unrecognized mode falls back to it
		e.runTeamCoordinate(ctx, session, agents, userContent, out)
	}
}

func (e *Engine) loadTeamAgents(team *model.Team) ([]*model.Agent, error) {
	var agents []*model.Agent
	for _, id := range team.AgentIDs {
		a, err := e.store.Agents().Get(id)
		if err != nil {
			continue
		}
		agents = append(agents, a)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("team has no resolvable agents")
	}
	return agents, nil
}

// runTeamCoordinate uses the first agent's provider as a router: it is
// prompted to reply with exactly one agent id from the roster, and that
// agent (or the first, on a miss) streams the reply through the standard
// single-agent path.
func (e *Engine) runTeamCoordinate(ctx context.Context, session *model.Session, agents []*model.Agent, userContent string, out chan<- events.Event) {
	router := agents[0]
	selected := router

	if chat, err := e.chatFor(ctx, router.ProviderID); err == nil {
		var roster strings.Builder
		for _, a := range agents {
			fmt.Fprintf(&roster, "- %s: %s\n", a.ID, firstLine(a.SystemPrompt))
		}
		systemPrompt := "You are a routing coordinator. Reply with exactly one agent id from the roster below, and nothing else.\n\n" + roster.String()

		reply, _, chatErr := chat.Chat(ctx, []provider.Message{{Role: string(model.RoleUserMsg), Content: userContent}}, systemPrompt, nil)
		if chatErr == nil {
			if picked := matchAgentID(reply.Content, agents); picked != nil {
				selected = picked
			}
		}
	}

	out <- events.Event{Name: events.AgentStep, Payload: map[string]string{"agent_id": selected.ID, "agent_name": selected.ID, "step": "selected"}}
	e.run(ctx, session, selected, userContent, out)
}

// runTeamRoute runs every agent's own blocking tool loop in parallel, then
// hands the concatenated outputs to a synthesizer (the first agent's
// provider) which streams the final reply through the standard path.
func (e *Engine) runTeamRoute(ctx context.Context, session *model.Session, agents []*model.Agent, userContent string, out chan<- events.Event) {
	type result struct {
		agent   *model.Agent
		content string
		err     error
	}
	results := make([]result, len(agents))
	done := make(chan int, len(agents))
	for i, a := range agents {
		go func(i int, a *model.Agent) {
			out <- events.Event{Name: events.AgentStep, Payload: map[string]string{"agent_id": a.ID, "agent_name": a.ID, "step": "running"}}
			content, err := e.RunAgentNode(ctx, a.ID, userContent, nil)
			results[i] = result{agent: a, content: content, err: err}
			done <- i
		}(i, a)
	}
	for range agents {
		<-done
	}

	var sb strings.Builder
	for _, r := range results {
		if r.err != nil {
			continue
		}
		fmt.Fprintf(&sb, "## Response from %s\n\n%s\n\n", r.agent.ID, r.content)
	}

	synthesizer := agents[0]
	synthesisInput := fmt.Sprintf(
		"The following are independent responses from multiple agents to this request:\n\n%s\n\n"+
			"Original request: %s\n\nSynthesize these into a single, coherent final answer.",
		sb.String(), userContent)

	out <- events.Event{Name: events.AgentStep, Payload: map[string]string{"agent_id": synthesizer.ID, "agent_name": synthesizer.ID, "step": "synthesizing"}}
	e.run(ctx, session, synthesizer, synthesisInput, out)
}

// runTeamCollaborate runs agents sequentially, feeding each non-final
// agent's blocking output forward as context, with the final agent
// streaming through the standard path.
func (e *Engine) runTeamCollaborate(ctx context.Context, session *model.Session, agents []*model.Agent, userContent string, out chan<- events.Event) {
	carried := userContent
	for i, a := range agents {
		if i == len(agents)-1 {
			out <- events.Event{Name: events.AgentStep, Payload: map[string]string{"agent_id": a.ID, "agent_name": a.ID, "step": "finalizing"}}
			e.run(ctx, session, a, carried, out)
			return
		}
		out <- events.Event{Name: events.AgentStep, Payload: map[string]string{"agent_id": a.ID, "agent_name": a.ID, "step": "running"}}
		content, err := e.RunAgentNode(ctx, a.ID, carried, nil)
		if err != nil {
			out <- events.Event{Name: events.Error, Payload: map[string]string{"error": err.Error()}}
			return
		}
		carried = fmt.Sprintf("%s\n\n## Prior agent (%s) said:\n\n%s", userContent, a.ID, content)
	}
}

func matchAgentID(reply string, agents []*model.Agent) *model.Agent {
	reply = strings.TrimSpace(reply)
	for _, a := range agents {
		if a.ID == reply || strings.Contains(reply, a.ID) {
			return a
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
