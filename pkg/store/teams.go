package store

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type TeamRepo struct{ s *Store }

func (s *Store) Teams() *TeamRepo { return &TeamRepo{s} }

func (r *TeamRepo) Create(t *model.Team) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	agentIDs, _ := json.Marshal(t.AgentIDs)
	_, err := r.s.exec(`INSERT INTO teams (id, owner, mode, agent_ids, created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Owner, t.Mode, string(agentIDs), t.CreatedAt)
	return err
}

func (r *TeamRepo) Get(id string) (*model.Team, error) {
	row := r.s.queryRow(`SELECT id, owner, mode, agent_ids, created_at FROM teams WHERE id = ?`, id)
	var t model.Team
	var mode, agentIDs string
	if err := row.Scan(&t.ID, &t.Owner, &mode, &agentIDs, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Mode = model.TeamMode(mode)
	_ = json.Unmarshal([]byte(agentIDs), &t.AgentIDs)
	return &t, nil
}

func (r *TeamRepo) ForOwner(owner string) ([]model.Team, error) {
	rows, err := r.s.query(`SELECT id, owner, mode, agent_ids, created_at FROM teams WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Team
	for rows.Next() {
		var t model.Team
		var mode, agentIDs string
		if err := rows.Scan(&t.ID, &t.Owner, &mode, &agentIDs, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Mode = model.TeamMode(mode)
		_ = json.Unmarshal([]byte(agentIDs), &t.AgentIDs)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TeamRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM teams WHERE id = ?`, id)
	return err
}
