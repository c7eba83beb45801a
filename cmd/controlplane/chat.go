package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/agentmesh/controlplane/pkg/approval"
	"github.com/agentmesh/controlplane/pkg/events"
	"github.com/agentmesh/controlplane/pkg/model"
)

// ChatCmd starts an interactive terminal REPL against one agent: read a
// line, run it through the Stream Engine, print deltas as they arrive,
// loop. Unlike an HTTP adapter it resolves HITL approvals and tool
// proposals inline instead of suspending them across requests.
type ChatCmd struct {
	Agent string `short:"a" required:"" help:"Agent ID to chat with."`
	Owner string `help:"Owner to create the session under." default:"cli"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := buildApp(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer app.Close(ctx)

	agent, err := app.store.Agents().Get(c.Agent)
	if err != nil {
		return fmt.Errorf("load agent %s: %w", c.Agent, err)
	}

	session := &model.Session{
		ID: uuid.NewString(), Owner: c.Owner,
		EntityType: model.EntityAgent, EntityID: agent.ID, Title: "cli chat",
	}
	if err := app.store.Sessions().Create(session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("\nchatting with %s. /quit to exit.\n\n", agent.ID)

	for {
		fmt.Print("you: ")
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			fmt.Println("session ended")
			return nil
		}

		fmt.Printf("%s: ", agent.ID)
		for ev := range app.engine.Run(ctx, session, agent, input) {
			app.handleChatEvent(ev, session.ID)
		}
		fmt.Println()
	}
}

// handleChatEvent prints content as it streams and resolves HITL/proposal
// gates inline by prompting on stdin, since a terminal REPL has no
// separate channel to answer them on later the way an HTTP client does.
func (a *app) handleChatEvent(ev events.Event, sessionID string) {
	switch ev.Name {
	case events.ContentDelta:
		if payload, ok := ev.Payload.(map[string]string); ok {
			fmt.Print(payload["text"])
		}
	case events.Error:
		if payload, ok := ev.Payload.(map[string]string); ok {
			fmt.Printf("\n[error: %s]", payload["error"])
		}
	case events.HITLApprovalRequired:
		payload, _ := ev.Payload.(map[string]any)
		toolCallID, _ := payload["tool_call_id"].(string)
		toolName, _ := payload["tool_name"].(string)
		decision := a.promptDecision(fmt.Sprintf("approve tool call %q", toolName))
		a.gate.Resolve(approval.NamespaceHITL, sessionID, toolCallID, decision)
	case events.ToolProposalRequired:
		payload, _ := ev.Payload.(map[string]any)
		toolCallID, _ := payload["tool_call_id"].(string)
		name, _ := payload["name"].(string)
		decision := a.promptDecision(fmt.Sprintf("allow the agent to create tool %q", name))
		a.gate.Resolve(approval.NamespaceProposal, sessionID, toolCallID, decision)
	}
}

func (a *app) promptDecision(prompt string) approval.Decision {
	fmt.Printf("\n%s? [y/N] ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(line), "y") {
		return approval.Approved
	}
	return approval.Denied
}
