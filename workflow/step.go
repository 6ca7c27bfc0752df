// ABOUTME: Durable step engine for multi-step sync runs
// ABOUTME: Completed steps are recorded by name and replayed on resume instead of re-executed
package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/harperreed/mailsync/db"
)

// Stepper persists step results keyed by deterministic step names.
type Stepper interface {
	Load(ctx context.Context, name string) (json.RawMessage, bool, error)
	Save(ctx context.Context, name string, result json.RawMessage) error
}

// Do returns the recorded result for name when the step already completed,
// otherwise runs fn and records what it returned. A failed fn records nothing,
// so the step runs again on resume.
func Do[T any](ctx context.Context, s Stepper, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, ok, err := s.Load(ctx, name)
	if err != nil {
		return zero, fmt.Errorf("step %s: %w", name, err)
	}
	if ok {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("step %s: corrupt recorded result: %w", name, err)
		}
		return out, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return zero, err
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return zero, fmt.Errorf("step %s: encode result: %w", name, err)
	}
	if err := s.Save(ctx, name, encoded); err != nil {
		return zero, fmt.Errorf("step %s: %w", name, err)
	}
	return out, nil
}

// Inline runs every step and remembers nothing beyond the current process.
type Inline struct {
	mu    sync.Mutex
	steps map[string]json.RawMessage
}

func NewInline() *Inline {
	return &Inline{steps: make(map[string]json.RawMessage)}
}

func (i *Inline) Load(_ context.Context, name string) (json.RawMessage, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	raw, ok := i.steps[name]
	return raw, ok, nil
}

func (i *Inline) Save(_ context.Context, name string, result json.RawMessage) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.steps[name]; !ok {
		i.steps[name] = result
	}
	return nil
}

// Log is the SQLite-backed step log for one job.
type Log struct {
	db    *sql.DB
	jobID string
}

func NewLog(database *sql.DB, jobID string) *Log {
	return &Log{db: database, jobID: jobID}
}

func (l *Log) JobID() string { return l.jobID }

func (l *Log) Load(ctx context.Context, name string) (json.RawMessage, bool, error) {
	return db.LoadStep(ctx, l.db, l.jobID, name)
}

func (l *Log) Save(ctx context.Context, name string, result json.RawMessage) error {
	return db.SaveStep(ctx, l.db, l.jobID, name, result)
}

// PageStep names the step for page n of a paginated listing.
func PageStep(prefix string, n int) string {
	return fmt.Sprintf("%s/page-%d", prefix, n)
}
