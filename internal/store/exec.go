package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"relay/internal/domain"

	"github.com/google/uuid"
)

// --- Scheduled tasks ---

func (s *SQLiteStore) SaveTask(ctx context.Context, task *domain.ScheduledTask) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.LastEvaluatedAt.IsZero() {
		// New tasks start evaluating from now; they never fire for
		// occurrences that predate their creation.
		task.LastEvaluatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, owner_id, name, kind, expression, prompt, agent_ref,
		                    channel_id, binding_id, target_id, active, last_evaluated_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   kind = excluded.kind,
		   expression = excluded.expression,
		   prompt = excluded.prompt,
		   agent_ref = excluded.agent_ref,
		   channel_id = excluded.channel_id,
		   binding_id = excluded.binding_id,
		   target_id = excluded.target_id,
		   active = excluded.active`,
		task.ID, task.OwnerID, task.Name, string(task.Kind), task.Expression,
		task.Prompt, task.AgentRef, task.ChannelID, task.BindingID, task.TargetID,
		boolToInt(task.Active), task.LastEvaluatedAt, task.CreatedAt,
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

func (s *SQLiteStore) ListActiveTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.listTasks(ctx, taskSelect+` WHERE active = 1 ORDER BY created_at`)
}

func (s *SQLiteStore) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	return s.listTasks(ctx, taskSelect+` ORDER BY created_at`)
}

func (s *SQLiteStore) listTasks(ctx context.Context, query string) ([]domain.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

const taskSelect = `SELECT id, owner_id, name, kind, expression, prompt, agent_ref,
       channel_id, binding_id, target_id, active, last_evaluated_at, created_at FROM tasks`

func scanTask(row rowScanner) (*domain.ScheduledTask, error) {
	var (
		t      domain.ScheduledTask
		kind   string
		active int
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &kind, &t.Expression, &t.Prompt,
		&t.AgentRef, &t.ChannelID, &t.BindingID, &t.TargetID, &active,
		&t.LastEvaluatedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Kind = domain.ScheduleKind(kind)
	t.Active = active != 0
	return &t, nil
}

// SetTaskActive toggles a task. Activation also moves the watermark to
// now: occurrences missed while the owner had the task off are gone, not
// caught up.
func (s *SQLiteStore) SetTaskActive(ctx context.Context, id string, active bool) error {
	var (
		res sql.Result
		err error
	)
	if active {
		res, err = s.db.ExecContext(ctx,
			`UPDATE tasks SET active = 1, last_evaluated_at = ? WHERE id = ?`, time.Now(), id)
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE tasks SET active = 0 WHERE id = ?`, id)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrTaskNotFound
	}
	return nil
}

// AdvanceWatermark moves a task's evaluation watermark forward. It never
// moves backward: a concurrent scheduler instance that already advanced
// past `to` wins.
func (s *SQLiteStore) AdvanceWatermark(ctx context.Context, id string, to time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_evaluated_at = ? WHERE id = ? AND last_evaluated_at < ?`,
		to, id, to)
	return err
}

// --- Execution records ---

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *domain.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.Status == "" {
		rec.Status = domain.ExecPending
	}
	var finished any
	if !rec.FinishedAt.IsZero() {
		finished = rec.FinishedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (id, task_id, trigger, status, summary, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, string(rec.Trigger), string(rec.Status), rec.Summary,
		rec.StartedAt, finished,
	)
	return err
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ? WHERE id = ? AND status = ?`,
		string(domain.ExecRunning), id, string(domain.ExecPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrRecordNotFound
	}
	return nil
}

// FinalizeRecord transitions a record to a terminal status exactly once.
// A second finalization attempt returns ErrRecordFinalized.
func (s *SQLiteStore) FinalizeRecord(ctx context.Context, id string, status domain.ExecStatus, summary string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, summary = ?, finished_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), summary, time.Now(), id,
		string(domain.ExecPending), string(domain.ExecRunning))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM records WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrRecordNotFound
		}
		return domain.ErrRecordFinalized
	}
	return nil
}

// TaskInFlight reports whether the task has a dispatch that has not yet
// reached a terminal status. Store-backed so it holds across process
// restarts and multiple scheduler instances.
func (s *SQLiteStore) TaskInFlight(ctx context.Context, taskID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM records WHERE task_id = ? AND status IN (?, ?)`,
		taskID, string(domain.ExecPending), string(domain.ExecRunning)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("in-flight check: %w", err)
	}
	return n > 0, nil
}

// RecoverInFlight fails every record left pending or running by a
// previous process. Without it an interrupted dispatch would count as
// in flight forever and its task would never fire again.
func (s *SQLiteStore) RecoverInFlight(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, summary = ?, finished_at = ?
		 WHERE status IN (?, ?)`,
		string(domain.ExecFailed), "interrupted by restart", time.Now(),
		string(domain.ExecPending), string(domain.ExecRunning))
	if err != nil {
		return 0, fmt.Errorf("recover records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListRecords returns execution history ordered by start time descending.
// An empty taskID lists records for all triggers.
func (s *SQLiteStore) ListRecords(ctx context.Context, taskID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, task_id, trigger, status, summary, started_at, finished_at
	          FROM records`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var (
			rec      domain.ExecutionRecord
			trigger  string
			status   string
			finished sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.TaskID, &trigger, &status, &rec.Summary,
			&rec.StartedAt, &finished); err != nil {
			return nil, err
		}
		rec.Trigger = domain.TriggerKind(trigger)
		rec.Status = domain.ExecStatus(status)
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
