package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the SQLite audit database: scheduler runs and tool invocations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "seabone.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Job runs ---

// SaveJobRun records a scheduler firing. An empty ID is filled in.
func (s *Store) SaveJobRun(r JobRun) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.db.Exec(`
		INSERT INTO job_runs (id, job_id, minute, action, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.JobID, r.Minute, r.Action, r.Status, r.Error,
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("saving job run %s: %w", r.JobID, err)
	}
	return nil
}

func (s *Store) GetJobRun(id string) (JobRun, error) {
	row := s.db.QueryRow(`
		SELECT id, job_id, minute, action, status, error, started_at, finished_at
		FROM job_runs WHERE id = ?`, id)
	r, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return JobRun{}, ErrNotFound
	}
	return r, err
}

// RecentJobRuns returns the newest runs first. A non-empty jobID filters to
// that job.
func (s *Store) RecentJobRuns(limit int, jobID string) ([]JobRun, error) {
	query := `SELECT id, job_id, minute, action, status, error, started_at, finished_at FROM job_runs`
	args := []interface{}{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []JobRun
	for rows.Next() {
		r, err := scanJobRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJobRun(row scanner) (JobRun, error) {
	var r JobRun
	var started, finished string
	if err := row.Scan(&r.ID, &r.JobID, &r.Minute, &r.Action, &r.Status, &r.Error, &started, &finished); err != nil {
		return JobRun{}, err
	}
	var err error
	if r.StartedAt, err = parseTime(started); err != nil {
		return JobRun{}, fmt.Errorf("parsing started_at for run %s: %w", r.ID, err)
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return JobRun{}, fmt.Errorf("parsing finished_at for run %s: %w", r.ID, err)
	}
	return r, nil
}

// --- Tool invocations ---

// SaveToolInvocation records one tool call. Empty ID and CreatedAt are
// filled in.
func (s *Store) SaveToolInvocation(inv ToolInvocation) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	ok := 0
	if inv.OK {
		ok = 1
	}
	_, err := s.db.Exec(`
		INSERT INTO tool_invocations (id, session, tool, source, ok, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Session, inv.Tool, inv.Source, ok, inv.Error,
		inv.Duration.Milliseconds(), formatTime(inv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving tool invocation %s: %w", inv.Tool, err)
	}
	return nil
}

// RecentToolInvocations returns the newest invocations first. A non-empty
// session filters to that session.
func (s *Store) RecentToolInvocations(limit int, session string) ([]ToolInvocation, error) {
	query := `SELECT id, session, tool, source, ok, error, duration_ms, created_at FROM tool_invocations`
	args := []interface{}{}
	if session != "" {
		query += ` WHERE session = ?`
		args = append(args, session)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ToolInvocation
	for rows.Next() {
		var inv ToolInvocation
		var ok int
		var ms int64
		var createdAt string
		if err := rows.Scan(&inv.ID, &inv.Session, &inv.Tool, &inv.Source, &ok, &inv.Error, &ms, &createdAt); err != nil {
			return nil, err
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		inv.OK = ok == 1
		inv.Duration = time.Duration(ms) * time.Millisecond
		inv.CreatedAt = t
		results = append(results, inv)
	}
	return results, rows.Err()
}

// --- Retention ---

// PruneBefore deletes job runs and tool invocations older than cutoff and
// returns the number of rows removed.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning prune transaction: %w", err)
	}
	defer tx.Rollback()

	c := formatTime(cutoff)
	var total int64
	for _, q := range []string{
		`DELETE FROM job_runs WHERE started_at < ?`,
		`DELETE FROM tool_invocations WHERE created_at < ?`,
	} {
		res, err := tx.Exec(q, c)
		if err != nil {
			return 0, fmt.Errorf("pruning audit rows: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}
	return total, nil
}
