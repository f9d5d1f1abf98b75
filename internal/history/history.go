// Package history provides a bounded SQLite-backed archive of message
// and task outcomes for diagnostics. Writes are best-effort: the bus
// and orchestrator never block on archival.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/conduit-orch/conduit/pkg/models"
)

// DefaultCap is the number of rows kept per table when none is
// configured.
const DefaultCap = 1000

// Store wraps an SQLite database holding the message and task archive.
type Store struct {
	conn *sql.DB
	path string
	cap  int
	mu   sync.Mutex
}

// MessageRecord is one archived message outcome.
type MessageRecord struct {
	MessageID  string
	FromAgent  string
	ToAgent    string
	Priority   string
	Status     string
	Error      string
	RecordedAt time.Time
}

// DefaultPath returns the archive path under the user data directory.
func DefaultPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "conduit", "history.db")
}

// Open opens the archive at the given path, creating parent
// directories and the schema as needed. WAL mode is enabled for
// concurrent reads. A cap <= 0 uses DefaultCap.
func Open(path string, cap int) (*Store, error) {
	if cap <= 0 {
		cap = DefaultCap
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}

	return &Store{conn: conn, path: path, cap: cap}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	from_agent TEXT NOT NULL,
	to_agent TEXT NOT NULL,
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	error TEXT,
	recorded_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS tasks (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	agent_id TEXT,
	agent_type TEXT,
	status TEXT NOT NULL,
	output TEXT,
	error TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`

// Path returns the path to the archive file.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// RecordMessage archives a message outcome and prunes the ring.
// Errors are swallowed; the archive is diagnostic only.
func (s *Store) RecordMessage(msg *models.Message, status string, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.Exec(
		`INSERT INTO messages (message_id, from_agent, to_agent, priority, status, error, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.From, msg.To, msg.Priority.String(), status, errMsg, time.Now(),
	)
	s.conn.Exec(
		`DELETE FROM messages WHERE seq <= (SELECT MAX(seq) FROM messages) - ?`, s.cap,
	)
}

// RecordTask archives a terminal task result and prunes the ring.
func (s *Store) RecordTask(result *models.TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.Exec(
		`INSERT INTO tasks (task_id, agent_id, agent_type, status, output, error, duration_ms, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.TaskID, result.AgentID, result.AgentType, string(result.Status),
		result.Output, result.Error, result.Duration.Milliseconds(), result.CompletedAt,
	)
	s.conn.Exec(
		`DELETE FROM tasks WHERE seq <= (SELECT MAX(seq) FROM tasks) - ?`, s.cap,
	)
}

// RecentMessages returns up to limit archived messages, newest first.
func (s *Store) RecentMessages(limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT message_id, from_agent, to_agent, priority, status, COALESCE(error, ''), recorded_at
		 FROM messages ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.MessageID, &r.FromAgent, &r.ToAgent, &r.Priority,
			&r.Status, &r.Error, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan message record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentTasks returns up to limit archived task results, newest first.
func (s *Store) RecentTasks(limit int) ([]*models.TaskResult, error) {
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(
		`SELECT task_id, COALESCE(agent_id, ''), COALESCE(agent_type, ''), status,
		        COALESCE(output, ''), COALESCE(error, ''), duration_ms, completed_at
		 FROM tasks ORDER BY seq DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var results []*models.TaskResult
	for rows.Next() {
		var r models.TaskResult
		var status string
		var durationMs int64
		if err := rows.Scan(&r.TaskID, &r.AgentID, &r.AgentType, &status,
			&r.Output, &r.Error, &durationMs, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan task record: %w", err)
		}
		r.Status = models.TaskStatus(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		results = append(results, &r)
	}
	return results, rows.Err()
}

// MessageCount returns the number of archived messages.
func (s *Store) MessageCount() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	err := s.conn.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}
