package store

import (
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type UserRepo struct{ s *Store }

func (s *Store) Users() *UserRepo { return &UserRepo{s} }

func (r *UserRepo) Create(u *model.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	permsJSON, _ := json.Marshal(u.Permissions)
	_, err := r.s.exec(`INSERT INTO users (id, credentials_hash, role, permissions, created_at) VALUES (?,?,?,?,?)`,
		u.ID, u.CredentialsHash, u.Role, string(permsJSON), u.CreatedAt)
	return err
}

func (r *UserRepo) Get(id string) (*model.User, error) {
	row := r.s.queryRow(`SELECT id, credentials_hash, role, permissions, created_at FROM users WHERE id = ?`, id)
	var u model.User
	var role, permsJSON string
	if err := row.Scan(&u.ID, &u.CredentialsHash, &role, &permsJSON, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	_ = json.Unmarshal([]byte(permsJSON), &u.Permissions)
	return &u, nil
}

func (r *UserRepo) SetPermissions(id string, perms map[model.Permission]bool) error {
	permsJSON, _ := json.Marshal(perms)
	_, err := r.s.exec(`UPDATE users SET permissions = ? WHERE id = ?`, string(permsJSON), id)
	return err
}
