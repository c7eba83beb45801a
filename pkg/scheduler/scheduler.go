// Package scheduler is the Scheduler: one robfig/cron/v3 job per
// WorkflowSchedule, firing a non-streaming run of the DAG Executor at
// wall-clock times. Add and Remove write the schedule row and add or
// remove its cron entry in the same call; Replace swaps only the cron
// entry and writes nothing to the store. Every active schedule is
// re-registered from the store on startup.
// cron/v3's own WithChain(Recover, SkipIfStillRunning) wrapper directly
// implements "coalesce missed firings" (cron/v3 never queues a second
// firing behind a slow one — SkipIfStillRunning drops it) and "at most
// one concurrent instance per schedule", so neither needs hand-rolled
// bookkeeping here.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agentmesh/controlplane/pkg/dag"
	"github.com/agentmesh/controlplane/pkg/logger"
	"github.com/agentmesh/controlplane/pkg/model"
	"github.com/agentmesh/controlplane/pkg/store"
)

// firedRunTimeout bounds a single scheduled run; generous relative to
// the 120s LLM-call timeout since a DAG run may chain many agent nodes.
const firedRunTimeout = 10 * time.Minute

// Scheduler owns the cron engine and the mapping from schedule id to
// cron entry, so CRUD on a WorkflowSchedule can synchronously add,
// remove, or replace the corresponding job.
type Scheduler struct {
	mu      sync.Mutex
	store   *store.Store
	exec    *dag.Runner
	cron    *cron.Cron
	entries map[string]cron.EntryID
	log     *slog.Logger
}

func New(s *store.Store, exec *dag.Runner) *Scheduler {
	engine := cron.New(cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	return &Scheduler{
		store:   s,
		exec:    exec,
		cron:    engine,
		entries: make(map[string]cron.EntryID),
		log:     logger.GetLogger(),
	}
}

// Start re-registers one job per active schedule on process start and
// starts the cron engine.
func (s *Scheduler) Start() error {
	active, err := s.store.WorkflowSchedules().Active()
	if err != nil {
		return fmt.Errorf("load active schedules: %w", err)
	}
	for _, sc := range active {
		if err := s.register(sc); err != nil {
			s.log.Warn("failed to register schedule at startup", "schedule_id", sc.ID, "error", err)
		}
	}
	s.cron.Start()
	return nil
}

// Stop gracefully waits for in-flight jobs to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

// Add persists a new schedule and registers its cron job in the same
// call, so CRUD "synchronously adds/removes/replaces jobs".
func (s *Scheduler) Add(sc *model.WorkflowSchedule) error {
	if err := s.store.WorkflowSchedules().Create(sc); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return s.register(*sc)
}

// Remove deactivates a schedule and removes its cron job.
func (s *Scheduler) Remove(scheduleID string) error {
	s.mu.Lock()
	if entryID, ok := s.entries[scheduleID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, scheduleID)
	}
	s.mu.Unlock()
	return s.store.WorkflowSchedules().Deactivate(scheduleID)
}

// Replace swaps out a schedule's cron job, used when its cron
// expression or input changes.
func (s *Scheduler) Replace(sc model.WorkflowSchedule) error {
	s.mu.Lock()
	if entryID, ok := s.entries[sc.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, sc.ID)
	}
	s.mu.Unlock()
	return s.register(sc)
}

func (s *Scheduler) register(sc model.WorkflowSchedule) error {
	schedule, err := cron.ParseStandard(sc.CronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", sc.CronExpr, err)
	}

	s.mu.Lock()
	entryID := s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(sc) }))
	s.entries[sc.ID] = entryID
	s.mu.Unlock()
	return nil
}

// fire runs a fired schedule to completion via the same DAG Executor the
// interactive path uses, just without forwarding its progress events
// anywhere — the non-streaming variant is this same executor with its
// event channel drained and discarded. Trace spans and the WorkflowRun
// row are still written, since those happen inside the executor
// regardless of whether anyone reads the event stream.
func (s *Scheduler) fire(sc model.WorkflowSchedule) {
	ctx, cancel := context.WithTimeout(context.Background(), firedRunTimeout)
	defer cancel()

	wf, err := s.store.Workflows().Get(sc.WorkflowID)
	if err != nil {
		s.log.Error("scheduled run: workflow not found", "schedule_id", sc.ID, "workflow_id", sc.WorkflowID, "error", err)
		return
	}

	run := &model.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: sc.WorkflowID,
		Owner:      sc.Owner,
		Status:     model.RunRunning,
		Input:      sc.Input,
		Steps:      dag.InitialStepResults(wf),
	}
	if err := s.store.WorkflowRuns().Create(run); err != nil {
		s.log.Error("scheduled run: failed to create run row", "schedule_id", sc.ID, "error", err)
		return
	}

	for range s.exec.Execute(ctx, run, wf, sc.Input) {
		// Drained and discarded: no SSE client is attached to a cron-fired
		// run, but the executor's own side effects (trace spans, step
		// result rows, the final run status) still happen as it runs.
	}

	if err := s.store.WorkflowSchedules().TouchLastRun(sc.ID, time.Now()); err != nil {
		s.log.Error("scheduled run: failed to update last_run_at", "schedule_id", sc.ID, "error", err)
	}
}
