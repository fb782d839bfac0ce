// Package toolcache persists the tool schemas discovered from MCP
// servers so listings survive restarts and can be inspected while a
// server is down.
package toolcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/DJDodds/OctAIvius-sub000/internal/mcp"
)

// CachedTool is one persisted tool schema.
type CachedTool struct {
	ID          uuid.UUID       `json:"id"`
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	RefreshedAt time.Time       `json:"refreshed_at"`
}

// Store manages tool schema persistence.
type Store struct {
	db *sql.DB
}

// NewStore creates a tool cache using the given database path.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// NewStoreWithDB creates a tool cache using an existing database connection.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tools (
			id TEXT PRIMARY KEY,
			server_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT,
			input_schema TEXT,
			refreshed_at TEXT NOT NULL,
			UNIQUE(server_id, name)
		);

		CREATE INDEX IF NOT EXISTS idx_tools_server ON tools(server_id);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReplaceServerTools swaps a server's cached tools for the given set
// in one transaction, so readers never observe a half-refreshed
// inventory.
func (s *Store) ReplaceServerTools(ctx context.Context, serverID string, tools []mcp.ToolDefinition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tools WHERE server_id = ?`, serverID); err != nil {
		return fmt.Errorf("clear server tools: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, td := range tools {
		id, _ := uuid.NewV7()

		var schema any
		if len(td.InputSchema) > 0 {
			raw, err := json.Marshal(td.InputSchema)
			if err != nil {
				return fmt.Errorf("marshal schema for %s: %w", td.Name, err)
			}
			schema = string(raw)
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO tools (id, server_id, name, description, input_schema, refreshed_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id.String(), serverID, td.Name, td.Description, schema, now)
		if err != nil {
			return fmt.Errorf("insert tool %s: %w", td.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ToolsForServer returns a server's cached tools ordered by name.
func (s *Store) ToolsForServer(ctx context.Context, serverID string) ([]CachedTool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, name, description, input_schema, refreshed_at
		FROM tools WHERE server_id = ? ORDER BY name
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []CachedTool
	for rows.Next() {
		var (
			ct          CachedTool
			idStr       string
			description sql.NullString
			schema      sql.NullString
			refreshed   string
		)
		if err := rows.Scan(&idStr, &ct.ServerID, &ct.Name, &description, &schema, &refreshed); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ct.ID, _ = uuid.Parse(idStr)
		ct.Description = description.String
		if schema.Valid && schema.String != "" {
			ct.InputSchema = json.RawMessage(schema.String)
		}
		ct.RefreshedAt, _ = time.Parse(time.RFC3339, refreshed)
		out = append(out, ct)
	}
	return out, rows.Err()
}

// ServerIDs returns the distinct server ids present in the cache.
func (s *Store) ServerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT server_id FROM tools ORDER BY server_id`)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
