package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PGStore is the PostgreSQL-backed Store implementation. Update serializes
// per-identifier writers with SELECT ... FOR UPDATE so a reader never
// observes a partially applied mutation.
type PGStore struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPGStore connects a pgx pool and verifies the connection.
func NewPGStore(ctx context.Context, dsn string, logger *zap.Logger) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &PGStore{db: pool, logger: logger}, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *PGStore) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Close shuts down the connection pool.
func (s *PGStore) Close() {
	s.db.Close()
}

// Create inserts a new task row.
func (s *PGStore) Create(ctx context.Context, t *Task) error {
	history, _ := json.Marshal(t.History)
	agents, _ := json.Marshal(t.CompletedAgents)
	_, err := s.db.Exec(ctx,
		`INSERT INTO tasks (id, query, task_type, priority, status, iteration_count, max_iterations,
		                    history, completed_agents, result, error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Query, t.TaskType, t.Priority, string(t.Status), t.IterationCount, t.MaxIterations,
		history, agents, t.Result, t.Error, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get retrieves a task by identifier.
func (s *PGStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRow(ctx, selectTask+` WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return t, nil
}

// Update applies mutate inside a transaction holding a row lock, so
// concurrent updates to the same identifier serialize while other
// identifiers proceed in parallel.
func (s *PGStore) Update(ctx context.Context, id string, mutate func(*Task) error) (*Task, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanTask(tx.QueryRow(ctx, selectTask+` WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	if err := mutate(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = time.Now().UTC()

	history, _ := json.Marshal(t.History)
	agents, _ := json.Marshal(t.CompletedAgents)
	_, err = tx.Exec(ctx,
		`UPDATE tasks SET status=$1, iteration_count=$2, history=$3, completed_agents=$4,
		                  result=$5, error=$6, updated_at=$7
		 WHERE id=$8`,
		string(t.Status), t.IterationCount, history, agents, t.Result, t.Error, t.UpdatedAt, id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return t, nil
}

// List returns summaries ordered by creation time desc.
func (s *PGStore) List(ctx context.Context, f Filter) ([]*Summary, error) {
	query := selectTask
	args := []any{}
	if f.Status != "" {
		query += ` WHERE status=$1`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var summaries []*Summary
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, t.Summarize())
	}
	return summaries, rows.Err()
}

const selectTask = `SELECT id, query, task_type, priority, status, iteration_count, max_iterations,
       history, completed_agents, result, error, created_at, updated_at
  FROM tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	t := &Task{}
	var status string
	var history, agents []byte
	err := row.Scan(&t.ID, &t.Query, &t.TaskType, &t.Priority, &status, &t.IterationCount,
		&t.MaxIterations, &history, &agents, &t.Result, &t.Error, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	_ = json.Unmarshal(history, &t.History)
	_ = json.Unmarshal(agents, &t.CompletedAgents)
	return t, nil
}
