// Package store is the persistence layer for every domain entity: a thin
// database/sql wrapper plus one repository type per entity family, with
// Postgres, MySQL, and an embedded/dev sqlite path all dispatched off
// one driver name string.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a *sql.DB and knows how to placeholder-format queries for
// whichever driver it was opened with.
type Store struct {
	DB     *sql.DB
	driver string
}

// Open connects to the configured database and runs the schema
// migration. driverName/dsn come from config.DatabaseConfig.DSN().
func Open(driverName, dsn string, maxConns, maxIdle int) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxIdle)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{DB: db, driver: driverName}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// ph rewrites a query written with "?" placeholders into the driver's
// native placeholder syntax ($1, $2, ... for postgres).
func (s *Store) ph(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(query string, args ...any) (sql.Result, error) {
	return s.DB.Exec(s.ph(query), args...)
}

func (s *Store) query(query string, args ...any) (*sql.Rows, error) {
	return s.DB.Query(s.ph(query), args...)
}

func (s *Store) queryRow(query string, args ...any) *sql.Row {
	return s.DB.QueryRow(s.ph(query), args...)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.DB.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	credentials_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	permissions TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS providers (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	type TEXT NOT NULL,
	base_url TEXT,
	api_key TEXT,
	default_model TEXT,
	config TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	model TEXT NOT NULL,
	system_prompt TEXT,
	tool_ids TEXT,
	mcp_server_ids TEXT,
	hitl_tool_names TEXT,
	allow_create_tool INTEGER NOT NULL DEFAULT 0,
	kb_ids TEXT,
	config TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS teams (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	mode TEXT NOT NULL,
	agent_ids TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS tools (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	parameters TEXT,
	handler_type TEXT NOT NULL,
	handler_code TEXT,
	handler_url TEXT,
	handler_method TEXT,
	handler_headers TEXT,
	requires_confirm INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(owner, name)
);

CREATE TABLE IF NOT EXISTS mcp_servers (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	transport TEXT NOT NULL,
	command TEXT,
	args TEXT,
	env TEXT,
	url TEXT,
	headers TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	agent_id TEXT,
	team_id TEXT,
	memory_processed INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	last_message_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT,
	parts TEXT,
	tool_calls TEXT,
	reasoning TEXT,
	model TEXT,
	provider TEXT,
	latency_ms INTEGER,
	input_tokens INTEGER,
	output_tokens INTEGER,
	error TEXT,
	attachment_ids TEXT,
	rating INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, sequence);

CREATE TABLE IF NOT EXISTS attachments (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	owner TEXT NOT NULL,
	filename TEXT,
	media_type TEXT,
	classification TEXT,
	storage_handle TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS knowledge_bases (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	shared INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS kb_documents (
	id TEXT PRIMARY KEY,
	kb_id TEXT NOT NULL,
	type TEXT NOT NULL,
	indexed INTEGER NOT NULL DEFAULT 0,
	content TEXT,
	file_handle TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_memory (
	agent_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	category TEXT NOT NULL,
	confidence REAL NOT NULL,
	source_session TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, user_id, key)
);

CREATE TABLE IF NOT EXISTS hitl_approvals (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	tool_name TEXT,
	arguments TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tool_proposals (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	tool_call_id TEXT NOT NULL,
	handler_type TEXT NOT NULL,
	name TEXT NOT NULL,
	definition TEXT,
	status TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS trace_spans (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	workflow_run_id TEXT,
	message_id TEXT,
	type TEXT NOT NULL,
	name TEXT,
	model TEXT,
	provider TEXT,
	input_tokens INTEGER,
	output_tokens INTEGER,
	duration_ms INTEGER,
	status TEXT NOT NULL,
	input_preview TEXT,
	output_preview TEXT,
	sequence INTEGER NOT NULL,
	round_number INTEGER,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_spans_session ON trace_spans(session_id, sequence);

CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT,
	is_dag INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	node_type TEXT NOT NULL,
	task TEXT,
	agent_id TEXT,
	condition_prompt TEXT,
	condition_branches TEXT,
	input_branch TEXT,
	order_index INTEGER NOT NULL,
	depends_on TEXT
);

CREATE TABLE IF NOT EXISTS workflow_runs (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workflow_step_results (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL,
	output TEXT,
	error TEXT,
	started_at TIMESTAMP,
	ended_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workflow_schedules (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	last_run_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL
);
`

func (s *Store) migrate() error {
	statements := strings.Split(schema, ";\n")
	for _, stmt := range statements {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w\n%s", err, stmt)
		}
	}
	return nil
}
