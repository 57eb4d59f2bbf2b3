package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/basket/herald/internal/trigger"
)

// ErrTaskNotFound reports an operation against an absent task id.
var ErrTaskNotFound = errors.New("task not found")

// Task is one scheduled message. Wire field names follow the task API:
// the trigger spec travels as "cron" and the next fire time as "next_run".
type Task struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Message     string     `json:"message"`
	TriggerSpec string     `json:"cron"`
	Timezone    string     `json:"timezone"`
	NextFireAt  *time.Time `json:"next_run"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Message     *string
	TriggerSpec *string
	Enabled     *bool
}

const taskColumns = `id, session_id, message, trigger_spec, timezone, next_fire_at, enabled, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var nextFire sql.NullTime
	if err := scanFn(
		&task.ID,
		&task.SessionID,
		&task.Message,
		&task.TriggerSpec,
		&task.Timezone,
		&nextFire,
		&task.Enabled,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if nextFire.Valid {
		t := nextFire.Time.UTC()
		task.NextFireAt = &t
	} else {
		task.NextFireAt = nil
	}
	return nil
}

// CreateTask validates the trigger spec, computes the first fire time and
// commits the row. The committed task is returned; the caller schedules it
// afterwards (store-then-schedule, never the reverse).
func (s *Store) CreateTask(ctx context.Context, sessionID, message, triggerSpec string, enabled bool, tz string) (Task, error) {
	if tz == "" {
		tz = "UTC"
	}
	trig, err := trigger.Resolve(triggerSpec, tz)
	if err != nil {
		return Task{}, err
	}

	now := time.Now().UTC()
	var nextFire sql.NullTime
	if enabled {
		if next, ok := trig.Next(now); ok {
			nextFire = sql.NullTime{Time: next.UTC(), Valid: true}
		}
	}

	task := Task{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Message:     message,
		TriggerSpec: triggerSpec,
		Timezone:    tz,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if nextFire.Valid {
		t := nextFire.Time
		task.NextFireAt = &t
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, session_id, message, trigger_spec, timezone, next_fire_at, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.SessionID, task.Message, task.TriggerSpec, task.Timezone, nextFire, task.Enabled, task.CreatedAt, task.UpdatedAt)
		return err
	})
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// UpdateTask applies a partial patch. Touching the trigger spec or the
// enabled flag re-runs the resolver and persists a fresh next_fire_at
// before returning, so callers never observe a stale fire time.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch, tz string) (Task, error) {
	var updated Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task: %w", err)
		}

		if patch.Message != nil {
			task.Message = *patch.Message
		}
		if patch.TriggerSpec != nil {
			task.TriggerSpec = *patch.TriggerSpec
		}
		if patch.Enabled != nil {
			task.Enabled = *patch.Enabled
		}
		if tz != "" {
			task.Timezone = tz
		}

		var nextFire sql.NullTime
		if patch.TriggerSpec != nil || patch.Enabled != nil || tz != "" {
			trig, err := trigger.Resolve(task.TriggerSpec, task.Timezone)
			if err != nil {
				return err
			}
			if task.Enabled {
				if next, ok := trig.Next(time.Now().UTC()); ok {
					nextFire = sql.NullTime{Time: next.UTC(), Valid: true}
				}
			}
			task.NextFireAt = nil
			if nextFire.Valid {
				t := nextFire.Time
				task.NextFireAt = &t
			}
		} else if task.NextFireAt != nil {
			nextFire = sql.NullTime{Time: *task.NextFireAt, Valid: true}
		}

		task.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET message = ?, trigger_spec = ?, timezone = ?, next_fire_at = ?, enabled = ?, updated_at = ?
			WHERE id = ?;
		`, task.Message, task.TriggerSpec, task.Timezone, nextFire, task.Enabled, task.UpdatedAt, task.ID); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update tx: %w", err)
		}
		updated = task
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return updated, nil
}

// DeleteTask removes the row. Deleting an absent id is a no-op.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("select task: %w", err)
	}
	return task, nil
}

// ListTasks returns all tasks belonging to a session, oldest first.
func (s *Store) ListTasks(ctx context.Context, sessionID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListEnabledTasks returns every enabled task; the scheduler rehydrates
// from this at startup.
func (s *Store) ListEnabledTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE enabled = 1
		ORDER BY created_at ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("query enabled tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// SetNextFire persists a recomputed fire time after a recurring task fires.
func (s *Store) SetNextFire(ctx context.Context, id string, next time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET next_fire_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, next.UTC(), id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("set next fire: %w", err)
	}
	return err
}

// DisableTask turns a task off and clears its fire time; used after a
// one-shot fires and for explicit disables.
func (s *Store) DisableTask(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET enabled = 0, next_fire_at = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrTaskNotFound
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return fmt.Errorf("disable task: %w", err)
	}
	return err
}
