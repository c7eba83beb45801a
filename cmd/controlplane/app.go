package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/agentmesh/controlplane/pkg/approval"
	"github.com/agentmesh/controlplane/pkg/config"
	"github.com/agentmesh/controlplane/pkg/dag"
	"github.com/agentmesh/controlplane/pkg/engine"
	"github.com/agentmesh/controlplane/pkg/memory"
	"github.com/agentmesh/controlplane/pkg/provider"
	"github.com/agentmesh/controlplane/pkg/rag"
	"github.com/agentmesh/controlplane/pkg/scheduler"
	"github.com/agentmesh/controlplane/pkg/store"
	"github.com/agentmesh/controlplane/pkg/trace"
)

// shutdownGrace bounds the best-effort sweep run on the way out.
const shutdownGrace = 10 * time.Second

// app holds the fully-wired component graph: one Store, one Engine, one
// DAG Runner, one Scheduler, sharing one process-wide Approval Gate and
// Trace Recorder.
type app struct {
	store     *store.Store
	trace     *trace.Recorder
	engine    *engine.Engine
	dag       *dag.Runner
	scheduler *scheduler.Scheduler
	reflector *memory.Reflector
	gate      *approval.Gate
}

// buildApp wires the whole graph from a config file path (empty = env-only
// defaults): store, then tracer, then per-request collaborators, then the
// HTTP/cron-facing layer.
func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	driver, dsn := cfg.Database.DSN()
	s, err := store.Open(driver, dsn, cfg.Database.MaxConns, cfg.Database.MaxIdle)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rec, err := trace.NewRecorder(ctx, s, &trace.Config{
		Enabled:      cfg.Tracing.Enabled,
		ExporterType: cfg.Tracing.ExporterType,
		EndpointURL:  cfg.Tracing.EndpointURL,
		SamplingRate: cfg.Tracing.SamplingRate,
		ServiceName:  cfg.Tracing.ServiceName,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("start tracer: %w", err)
	}

	gate := approval.NewGate()
	chatFor := newChatFactory(s)
	reflector := memory.New(s, memory.ChatFactory(chatFor))

	ragDir := cfg.RAG.IndexesRoot
	if err := os.MkdirAll(ragDir, 0o755); err != nil {
		return nil, fmt.Errorf("create rag indexes dir: %w", err)
	}
	embedder := newEmbedder()

	eng := engine.New(s, engine.ChatFactory(chatFor), rec, gate, reflector, ragDir, embedder)
	eng.SetClassifierProvider(os.Getenv("CONTROLPLANE_CLASSIFIER_PROVIDER_ID"))

	runner := dag.New(s, rec, eng)
	sched := scheduler.New(s, runner)

	return &app{store: s, trace: rec, engine: eng, dag: runner, scheduler: sched, reflector: reflector, gate: gate}, nil
}

func (a *app) Close(ctx context.Context) {
	_ = a.trace.Shutdown(ctx)
	_ = a.store.Close()
}

// newChatFactory resolves a provider id to a live provider.Chat by
// loading the persisted Provider row and constructing the matching
// adapter via provider.New — this closure is just the store lookup
// provider.New's callers (Engine, Reflector, DAG classifier) need but
// shouldn't each re-implement.
//
// Provider.APIKeyEnc is stored at rest by an external credential
// manager (key custody is out of scope here); this factory treats
// the column as the literal key value, matching the boundary
// pkg/config draws between itself (decrypts nothing) and the
// deployment's secrets layer.
func newChatFactory(s *store.Store) engine.ChatFactory {
	return func(_ context.Context, providerID string) (provider.Chat, error) {
		p, err := s.Providers().Get(providerID)
		if err != nil {
			return nil, fmt.Errorf("load provider %s: %w", providerID, err)
		}
		return provider.New(p.Type, provider.Config{
			BaseURL: p.BaseURL,
			APIKey:  p.APIKeyEnc,
			Model:   p.DefaultModelID,
		})
	}
}

// newEmbedder picks an embedding backend for the RAG Index from
// environment, falling back to the dependency-free hash embedder so
// `serve`/`chat` still work with zero external config.
func newEmbedder() rag.Embedder {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return rag.NewOpenAIEmbedder("", key, "text-embedding-3-small", 1536)
	}
	if base := os.Getenv("CONTROLPLANE_OLLAMA_URL"); base != "" {
		return rag.NewOllamaEmbedder(base, "nomic-embed-text", 768)
	}
	return rag.NewHashEmbedder(256)
}

// denyPendingAndSweepMemory runs on startup and shutdown: deny every
// still-pending HITL approval and tool proposal (they can no longer be
// answered by a process that's not running), then fire a best-effort
// reflection for every agent-bound session that was never
// memory-processed.
func (a *app) denyPendingAndSweepMemory(ctx context.Context) error {
	if n, err := a.store.Approvals().DenyAllPending(); err == nil && n > 0 {
		logSweep("denied pending HITL approvals", n)
	}
	if n, err := a.store.Proposals().RejectAllPending(); err == nil && n > 0 {
		logSweep("rejected pending tool proposals", n)
	}

	agents, err := a.store.Agents().All()
	if err != nil {
		return err
	}
	for _, agent := range agents {
		sessions, err := a.store.Sessions().UnprocessedForAgent(agent.ID, agent.Owner)
		if err != nil {
			continue
		}
		for _, sess := range sessions {
			a.reflector.Reflect(ctx, agent.ID, agent.ProviderID, sess.ID, agent.Owner)
		}
	}
	return nil
}

func logSweep(msg string, n int64) {
	fmt.Fprintf(os.Stderr, "controlplane: %s (%d)\n", msg, n)
}
