package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// ErrTaskNotFound is returned when a task id does not exist.
var ErrTaskNotFound = errors.New("task not found")

// ErrRunNotFound is returned when a run id does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrPastSchedule rejects manual schedules in the past.
var ErrPastSchedule = errors.New("scheduled time must be in the future")

// Runner is the connection-scoped execution contract; *db.Pool
// satisfies it.
type Runner interface {
	WithConn(ctx context.Context, fn func(*sqlx.DB) error) error
}

// Store persists runs, tasks, and the execution log in Postgres.
type Store struct {
	db     Runner
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(db Runner, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger, now: time.Now}
}

const taskColumns = `id, run_id, space_id, user_id, thread_id, status, tier, provider,
	call_type, input, output, ref_id, collection_ref, scheduled_at,
	followup_count, created_at, updated_at`

const runColumns = `id, space_id, user_id, thread_id, org_id, context, execution_type,
	run_mode, assignee, collection_ref, status, created_at, updated_at`

// CreateRun inserts a run and its initial tasks in one transaction.
// Tasks with a schedule start as scheduled; a past schedule is
// rejected.
func (s *Store) CreateRun(ctx context.Context, run Run, taskList []Task) (Run, []Task, error) {
	now := s.now()
	run.ID = uuid.NewString()
	run.Status = StatusPending
	run.CreatedAt, run.UpdatedAt = now, now
	if run.Context == nil {
		run.Context = json.RawMessage(`{}`)
	}

	for i := range taskList {
		if taskList[i].ScheduledAt != nil && taskList[i].ScheduledAt.Before(now) {
			return Run{}, nil, ErrPastSchedule
		}
	}

	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (`+runColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			run.ID, run.SpaceID, run.UserID, run.ThreadID, run.OrgID, run.Context,
			run.ExecutionType, run.RunMode, run.Assignee, run.CollectionRef,
			run.Status, run.CreatedAt, run.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for i := range taskList {
			t := &taskList[i]
			t.ID = uuid.NewString()
			t.RunID = run.ID
			t.SpaceID, t.UserID, t.ThreadID = run.SpaceID, run.UserID, run.ThreadID
			t.Status = StatusPending
			if t.ScheduledAt != nil {
				t.Status = StatusScheduled
			}
			if t.Tier == "" {
				t.Tier = TierNormal
			}
			if t.Input == nil {
				t.Input = json.RawMessage(`{}`)
			}
			t.CreatedAt, t.UpdatedAt = now, now
			if err := insertTask(ctx, tx, t); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return Run{}, nil, err
	}
	return run, taskList, nil
}

// AddTask appends one task to an existing run and returns its id.
func (s *Store) AddTask(ctx context.Context, runID string, task Task) (string, error) {
	now := s.now()
	if task.ScheduledAt != nil && task.ScheduledAt.Before(now) {
		return "", ErrPastSchedule
	}

	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		var run Run
		if err := db.GetContext(ctx, &run, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrRunNotFound
			}
			return fmt.Errorf("load run: %w", err)
		}

		task.ID = uuid.NewString()
		task.RunID = run.ID
		if task.SpaceID == "" {
			task.SpaceID, task.UserID, task.ThreadID = run.SpaceID, run.UserID, run.ThreadID
		}
		task.Status = StatusPending
		if task.ScheduledAt != nil {
			task.Status = StatusScheduled
		}
		if task.Tier == "" {
			task.Tier = TierNormal
		}
		if task.Input == nil {
			task.Input = json.RawMessage(`{}`)
		}
		task.CreatedAt, task.UpdatedAt = now, now

		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := insertTask(ctx, tx, &task); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return task.ID, nil
}

func insertTask(ctx context.Context, tx *sqlx.Tx, t *Task) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.RunID, t.SpaceID, t.UserID, t.ThreadID, t.Status, t.Tier,
		t.Provider, t.CallType, t.Input, t.Output, t.RefID, t.CollectionRef,
		t.ScheduledAt, t.FollowupCount, t.CreatedAt, t.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Update carries the optional fields an UpdateTask call may set.
type Update struct {
	Output        json.RawMessage
	RefID         *string
	CollectionRef *string
	FollowupCount *int
}

// UpdateTask is the sole mutation path for task state. The move must
// be an edge of the transition graph; anything else is rejected
// without touching the row.
func (s *Store) UpdateTask(ctx context.Context, taskID string, to Status, upd *Update) (*Task, error) {
	var out Task
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var cur Task
		if err := tx.GetContext(ctx, &cur,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("load task: %w", err)
		}
		if !CanTransition(cur.Status, to) {
			return &ErrInvalidTransition{TaskID: taskID, From: cur.Status, To: to}
		}

		cur.Status = to
		cur.UpdatedAt = s.now()
		if upd != nil {
			if upd.Output != nil {
				cur.Output = upd.Output
			}
			if upd.RefID != nil {
				cur.RefID = *upd.RefID
			}
			if upd.CollectionRef != nil {
				cur.CollectionRef = *upd.CollectionRef
			}
			if upd.FollowupCount != nil {
				cur.FollowupCount = *upd.FollowupCount
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = $2, output = $3, ref_id = $4,
				collection_ref = $5, followup_count = $6, updated_at = $7
			WHERE id = $1`,
			cur.ID, cur.Status, cur.Output, cur.RefID, cur.CollectionRef,
			cur.FollowupCount, cur.UpdatedAt,
		); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		if err := db.GetContext(ctx, &t,
			`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// AppendLog writes one execution-log record; the log is append-only.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	return s.db.WithConn(ctx, func(db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO execution_log (task_id, run_id, step, status, input, output, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.TaskID, e.RunID, e.Step, e.Status, e.Input, e.Output, e.Timestamp,
		)
		return err
	})
}

// LogsForTask returns a task's execution log, oldest first.
func (s *Store) LogsForTask(ctx context.Context, taskID string) ([]LogEntry, error) {
	var out []LogEntry
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &out, `
			SELECT id, task_id, run_id, step, status, input, output, timestamp
			FROM execution_log WHERE task_id = $1 ORDER BY timestamp ASC, id ASC`, taskID)
	})
	return out, err
}

// CompleteRunIfDone marks the run completed once every one of its
// tasks is terminal. Returns whether the run flipped on this call.
func (s *Store) CompleteRunIfDone(ctx context.Context, runID string) (bool, error) {
	var done bool
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE runs SET status = $2, updated_at = $3
			WHERE id = $1 AND status <> $2
			  AND NOT EXISTS (
				SELECT 1 FROM tasks t WHERE t.run_id = $1
				  AND t.status NOT IN ('completed', 'failed'))`,
			runID, StatusCompleted, s.now())
		if err != nil {
			return fmt.Errorf("complete run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		done = n > 0
		return nil
	})
	return done, err
}

// Runs lists runs in scope, newest first.
func (s *Store) Runs(ctx context.Context, scope Scope, f Filter) (Page[Run], error) {
	f.normalize()
	page := Page[Run]{Page: f.Page, PageSize: f.PageSize, Items: []Run{}}
	if scope.Empty() {
		return page, nil
	}
	// Runs carry no call_type or free-text columns.
	f.CallType, f.Search = "", ""
	where, args := buildWhere(scope, f, "")

	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		if err := db.GetContext(ctx, &page.Total,
			`SELECT COUNT(*) FROM runs`+where, args...); err != nil {
			return err
		}
		q := fmt.Sprintf(`SELECT `+runColumns+` FROM runs%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
			where, f.PageSize, (f.Page-1)*f.PageSize)
		return db.SelectContext(ctx, &page.Items, q, args...)
	})
	return page, err
}

// Tasks lists tasks in scope, newest first. An optional runID narrows
// to one run.
func (s *Store) Tasks(ctx context.Context, scope Scope, f Filter, runID string) (Page[Task], error) {
	f.normalize()
	page := Page[Task]{Page: f.Page, PageSize: f.PageSize, Items: []Task{}}
	if scope.Empty() {
		return page, nil
	}
	where, args := buildWhere(scope, f, runID)

	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		if err := db.GetContext(ctx, &page.Total,
			`SELECT COUNT(*) FROM tasks`+where, args...); err != nil {
			return err
		}
		q := fmt.Sprintf(`SELECT `+taskColumns+` FROM tasks%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
			where, f.PageSize, (f.Page-1)*f.PageSize)
		return db.SelectContext(ctx, &page.Items, q, args...)
	})
	return page, err
}

// buildWhere assembles the scope+filter predicate with positional args.
func buildWhere(scope Scope, f Filter, runID string) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if scope.SpaceID != "" {
		add("space_id = $%d", scope.SpaceID)
	}
	if scope.UserID != "" {
		add("user_id = $%d", scope.UserID)
	}
	if scope.ThreadID != "" {
		add("thread_id = $%d", scope.ThreadID)
	}
	if runID != "" {
		add("run_id = $%d", runID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.CallType != "" {
		add("call_type = $%d", f.CallType)
	}
	if f.From != nil {
		add("created_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("created_at <= $%d", *f.To)
	}
	if f.Search != "" {
		args = append(args, f.Search)
		n := len(args)
		conds = append(conds, fmt.Sprintf(
			"(input::text ILIKE '%%' || $%d || '%%' OR output::text ILIKE '%%' || $%d || '%%')", n, n))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// DueScheduled returns scheduled tasks whose time has arrived and that
// have not already been promoted onto a queue.
func (s *Store) DueScheduled(ctx context.Context, now time.Time) ([]Task, error) {
	var out []Task
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &out, `
			SELECT `+taskColumns+` FROM tasks t
			WHERE t.status = $1 AND t.scheduled_at <= $2
			  AND NOT EXISTS (
				SELECT 1 FROM execution_log l
				WHERE l.task_id = t.id AND l.step = 'promoted')
			ORDER BY t.scheduled_at ASC`, StatusScheduled, now)
	})
	return out, err
}

// StuckTasks returns in-progress tasks whose latest claim predates
// cutoff and that the execution log never saw complete. The reconciler
// returns them to pending. Claim entries are append-only, so a task
// that was already reconciled and re-claimed still carries its stale
// first claim; only the newest one decides.
func (s *Store) StuckTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	var rows []struct {
		Task
		LastClaimed time.Time `db:"last_claimed"`
	}
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &rows, `
			SELECT `+taskColumns+`, (
				SELECT MAX(l.timestamp) FROM execution_log l
				WHERE l.task_id = t.id AND l.step = 'claimed') AS last_claimed
			FROM tasks t
			WHERE t.status = $1
			  AND EXISTS (
				SELECT 1 FROM execution_log l
				WHERE l.task_id = t.id AND l.step = 'claimed' AND l.timestamp < $2)
			  AND NOT EXISTS (
				SELECT 1 FROM execution_log l
				WHERE l.task_id = t.id AND l.step IN ('completed', 'failed'))`,
			StatusInProgress, cutoff)
	})
	if err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(rows))
	for _, r := range rows {
		if r.LastClaimed.Before(cutoff) {
			out = append(out, r.Task)
		}
	}
	return out, nil
}

// DanglingPending returns pending tasks older than cutoff with no
// queue activity since. Their queue message is presumed lost and the
// reconciler puts them back on the wire.
func (s *Store) DanglingPending(ctx context.Context, cutoff time.Time) ([]Task, error) {
	var out []Task
	err := s.db.WithConn(ctx, func(db *sqlx.DB) error {
		return db.SelectContext(ctx, &out, `
			SELECT `+taskColumns+` FROM tasks t
			WHERE t.status = $1 AND t.updated_at < $2
			  AND NOT EXISTS (
				SELECT 1 FROM execution_log l
				WHERE l.task_id = t.id
				  AND l.step IN ('claimed', 'promoted', 'reconciled')
				  AND l.timestamp >= $2)`,
			StatusPending, cutoff)
	})
	return out, err
}
