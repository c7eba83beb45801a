package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/agentmesh/controlplane/pkg/model"
)

type MCPServerRepo struct{ s *Store }

func (s *Store) MCPServers() *MCPServerRepo { return &MCPServerRepo{s} }

func (r *MCPServerRepo) Create(m *model.MCPServer) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	argsJSON, _ := json.Marshal(m.Args)
	envJSON, _ := json.Marshal(m.Env)
	headersJSON, _ := json.Marshal(m.Headers)
	_, err := r.s.exec(`INSERT INTO mcp_servers (id, owner, transport, command, args, env, url, headers, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		m.ID, m.Owner, m.Transport, m.Command, string(argsJSON), string(envJSON), m.URL, string(headersJSON), m.CreatedAt)
	return err
}

func (r *MCPServerRepo) Get(id string) (*model.MCPServer, error) {
	row := r.s.queryRow(`SELECT id, owner, transport, command, args, env, url, headers, created_at
		FROM mcp_servers WHERE id = ?`, id)
	return scanMCPServer(row)
}

func scanMCPServer(row *sql.Row) (*model.MCPServer, error) {
	var m model.MCPServer
	var transport, argsJSON, envJSON, headersJSON string
	var command, url sql.NullString
	if err := row.Scan(&m.ID, &m.Owner, &transport, &command, &argsJSON, &envJSON, &url, &headersJSON, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Transport = model.MCPTransport(transport)
	m.Command = command.String
	m.URL = url.String
	_ = json.Unmarshal([]byte(argsJSON), &m.Args)
	_ = json.Unmarshal([]byte(envJSON), &m.Env)
	_ = json.Unmarshal([]byte(headersJSON), &m.Headers)
	return &m, nil
}

func (r *MCPServerRepo) ForOwner(owner string) ([]model.MCPServer, error) {
	rows, err := r.s.query(`SELECT id, owner, transport, command, args, env, url, headers, created_at
		FROM mcp_servers WHERE owner = ?`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.MCPServer
	for rows.Next() {
		var m model.MCPServer
		var transport, argsJSON, envJSON, headersJSON string
		var command, url sql.NullString
		if err := rows.Scan(&m.ID, &m.Owner, &transport, &command, &argsJSON, &envJSON, &url, &headersJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Transport = model.MCPTransport(transport)
		m.Command = command.String
		m.URL = url.String
		_ = json.Unmarshal([]byte(argsJSON), &m.Args)
		_ = json.Unmarshal([]byte(envJSON), &m.Env)
		_ = json.Unmarshal([]byte(headersJSON), &m.Headers)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MCPServerRepo) Delete(id string) error {
	_, err := r.s.exec(`DELETE FROM mcp_servers WHERE id = ?`, id)
	return err
}
