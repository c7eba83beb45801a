package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type ProviderRepo struct{ s *Store }

func (s *Store) Providers() *ProviderRepo { return &ProviderRepo{s} }

func (r *ProviderRepo) Create(p *model.Provider) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cfgJSON, _ := json.Marshal(p.Config)
	_, err := r.s.exec(`INSERT INTO providers (id, owner, type, base_url, api_key, default_model, config, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.Owner, p.Type, p.BaseURL, p.APIKeyEnc, p.DefaultModelID, string(cfgJSON), p.CreatedAt)
	return err
}

func (r *ProviderRepo) Get(id string) (*model.Provider, error) {
	row := r.s.queryRow(`SELECT id, owner, type, base_url, api_key, default_model, config, created_at
		FROM providers WHERE id = ?`, id)
	return scanProvider(row)
}

func scanProvider(row *sql.Row) (*model.Provider, error) {
	var p model.Provider
	var typ, cfgJSON string
	var baseURL, apiKey, defaultModel sql.NullString
	if err := row.Scan(&p.ID, &p.Owner, &typ, &baseURL, &apiKey, &defaultModel, &cfgJSON, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.Type = model.ProviderType(typ)
	p.BaseURL = baseURL.String
	p.APIKeyEnc = apiKey.String
	p.DefaultModelID = defaultModel.String
	_ = json.Unmarshal([]byte(cfgJSON), &p.Config)
	return &p, nil
}

func (r *ProviderRepo) ForOwner(owner string) ([]model.Provider, error) {
	rows, err := r.s.query(`SELECT id, owner, type, base_url, api_key, default_model, config, created_at
		FROM providers WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		var p model.Provider
		var typ, cfgJSON string
		var baseURL, apiKey, defaultModel sql.NullString
		if err := rows.Scan(&p.ID, &p.Owner, &typ, &baseURL, &apiKey, &defaultModel, &cfgJSON, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Type = model.ProviderType(typ)
		p.BaseURL = baseURL.String
		p.APIKeyEnc = apiKey.String
		p.DefaultModelID = defaultModel.String
		_ = json.Unmarshal([]byte(cfgJSON), &p.Config)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProviderRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM providers WHERE id = ?`, id)
	return err
}
