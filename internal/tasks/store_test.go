package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRunner satisfies Runner with a sqlmock-backed connection.
type fakeRunner struct{ db *sqlx.DB }

func (f fakeRunner) WithConn(_ context.Context, fn func(*sqlx.DB) error) error {
	return fn(f.db)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	s := NewStore(fakeRunner{sqlx.NewDb(raw, "postgres")}, zap.NewNop())
	return s, mock
}

func taskRows(t Task) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "run_id", "space_id", "user_id", "thread_id", "status", "tier",
		"provider", "call_type", "input", "output", "ref_id", "collection_ref",
		"scheduled_at", "followup_count", "created_at", "updated_at",
	}).AddRow(
		t.ID, t.RunID, t.SpaceID, t.UserID, t.ThreadID, t.Status, t.Tier,
		t.Provider, t.CallType, []byte(t.Input), []byte(t.Output), t.RefID,
		t.CollectionRef, t.ScheduledAt, t.FollowupCount, t.CreatedAt, t.UpdatedAt,
	)
}

func baseTask(status Status) Task {
	now := time.Now()
	return Task{
		ID: "task-1", RunID: "run-1", SpaceID: "space-1", UserID: "user-1",
		Status: status, Tier: TierNormal, Provider: "openai",
		CallType: "outbound", Input: json.RawMessage(`{"phone":"+911234567890"}`),
		Output: json.RawMessage(`{}`), CreatedAt: now, UpdatedAt: now,
	}
}

func TestTransitionGraph(t *testing.T) {
	legal := [][2]Status{
		{StatusPending, StatusInProgress},
		{StatusPending, StatusHold},
		{StatusPending, StatusScheduled},
		{StatusScheduled, StatusInProgress},
		{StatusInProgress, StatusCompleted},
		{StatusInProgress, StatusFailed},
		{StatusInProgress, StatusHold},
		{StatusHold, StatusInProgress},
		{StatusHold, StatusFailed},
		{StatusFailed, StatusPending},
	}
	for _, edge := range legal {
		assert.True(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}

	illegal := [][2]Status{
		{StatusCompleted, StatusPending},
		{StatusCompleted, StatusInProgress},
		{StatusPending, StatusCompleted},
		{StatusScheduled, StatusHold},
		{StatusFailed, StatusInProgress},
	}
	for _, edge := range illegal {
		assert.False(t, CanTransition(edge[0], edge[1]), "%s -> %s", edge[0], edge[1])
	}
}

func TestUpdateTaskAppliesLegalTransition(t *testing.T) {
	s, mock := newMockStore(t)
	cur := baseTask(StatusInProgress)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs("task-1").
		WillReturnRows(taskRows(cur))
	mock.ExpectExec(`UPDATE tasks SET status = \$2`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out := json.RawMessage(`{"summary":"resolved"}`)
	got, err := s.UpdateTask(context.Background(), "task-1", StatusCompleted, &Update{Output: out})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.JSONEq(t, `{"summary":"resolved"}`, string(got.Output))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateTaskRejectsIllegalTransition(t *testing.T) {
	s, mock := newMockStore(t)
	cur := baseTask(StatusCompleted)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks WHERE id = \$1 FOR UPDATE`).
		WithArgs("task-1").
		WillReturnRows(taskRows(cur))
	mock.ExpectRollback()

	_, err := s.UpdateTask(context.Background(), "task-1", StatusInProgress, nil)
	var invalid *ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StatusCompleted, invalid.From)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunRejectsPastSchedule(t *testing.T) {
	s, _ := newMockStore(t)
	past := time.Now().Add(-time.Hour)

	_, _, err := s.CreateRun(context.Background(), Run{SpaceID: "space-1"}, []Task{
		{ScheduledAt: &past},
	})
	assert.ErrorIs(t, err, ErrPastSchedule)
}

func TestCreateRunInsertsRunAndTasks(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO runs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO tasks`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	future := time.Now().Add(time.Hour)
	run, created, err := s.CreateRun(context.Background(),
		Run{SpaceID: "space-1", UserID: "user-1"},
		[]Task{
			{Provider: "openai", CallType: "outbound"},
			{Provider: "openai", ScheduledAt: &future},
		})
	require.NoError(t, err)

	assert.NotEmpty(t, run.ID)
	require.Len(t, created, 2)
	assert.Equal(t, StatusPending, created[0].Status)
	assert.Equal(t, StatusScheduled, created[1].Status)
	assert.Equal(t, run.ID, created[0].RunID)
	assert.Equal(t, "space-1", created[0].SpaceID, "tasks inherit run scope")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmptyScopeYieldsEmptyPageWithoutQuery(t *testing.T) {
	s, mock := newMockStore(t)

	page, err := s.Tasks(context.Background(), Scope{}, Filter{}, "")
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Zero(t, page.Total)

	runs, err := s.Runs(context.Background(), Scope{}, Filter{})
	require.NoError(t, err)
	assert.Empty(t, runs.Items)

	// No SQL may have been issued for the empty scope.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTasksScopedAndPaginated(t *testing.T) {
	s, mock := newMockStore(t)
	row := baseTask(StatusPending)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM tasks WHERE space_id = \$1 AND status = \$2`).
		WithArgs("space-1", "pending").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(41))
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks WHERE space_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT 20 OFFSET 20`).
		WithArgs("space-1", "pending").
		WillReturnRows(taskRows(row))

	page, err := s.Tasks(context.Background(), Scope{SpaceID: "space-1"},
		Filter{Page: 2, PageSize: 20, Status: StatusPending}, "")
	require.NoError(t, err)
	assert.Equal(t, 41, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "task-1", page.Items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendAndReadExecutionLog(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`INSERT INTO execution_log`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.AppendLog(context.Background(), LogEntry{
		TaskID: "task-1", RunID: "run-1", Step: "claimed", Status: "ok",
	}))

	ts := time.Now()
	mock.ExpectQuery(`(?s)SELECT .+ FROM execution_log WHERE task_id = \$1`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "run_id", "step", "status", "input", "output", "timestamp",
		}).AddRow(1, "task-1", "run-1", "claimed", "ok", []byte(`{}`), []byte(`{}`), ts))

	logs, err := s.LogsForTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "claimed", logs[0].Step)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// stuckRows mirrors taskRows with the latest-claim column appended.
func stuckRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "run_id", "space_id", "user_id", "thread_id", "status", "tier",
		"provider", "call_type", "input", "output", "ref_id", "collection_ref",
		"scheduled_at", "followup_count", "created_at", "updated_at", "last_claimed",
	})
}

func addStuckRow(rows *sqlmock.Rows, t Task, lastClaimed time.Time) {
	rows.AddRow(
		t.ID, t.RunID, t.SpaceID, t.UserID, t.ThreadID, t.Status, t.Tier,
		t.Provider, t.CallType, []byte(t.Input), []byte(t.Output), t.RefID,
		t.CollectionRef, t.ScheduledAt, t.FollowupCount, t.CreatedAt, t.UpdatedAt,
		lastClaimed,
	)
}

func TestStuckTasksQueryUsesExecutionLog(t *testing.T) {
	s, mock := newMockStore(t)
	row := baseTask(StatusInProgress)
	cutoff := time.Now().Add(-time.Minute)

	rows := stuckRows()
	addStuckRow(rows, row, cutoff.Add(-time.Hour))
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks t\s+WHERE t.status = \$1\s+AND EXISTS`).
		WithArgs(StatusInProgress, cutoff).
		WillReturnRows(rows)

	stuck, err := s.StuckTasks(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "task-1", stuck[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A reconciled task's first claim entry survives the reconcile; once a
// worker re-claims it, the newer claim must shield the running retry
// from being yanked again.
func TestStuckTasksIgnoreReclaimedWork(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().Add(-time.Minute)

	abandoned := baseTask(StatusInProgress)
	retried := baseTask(StatusInProgress)
	retried.ID = "task-2"

	rows := stuckRows()
	addStuckRow(rows, abandoned, cutoff.Add(-time.Hour))   // only stale claims
	addStuckRow(rows, retried, cutoff.Add(30*time.Second)) // re-claimed after the cutoff
	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks t\s+WHERE t.status = \$1\s+AND EXISTS`).
		WithArgs(StatusInProgress, cutoff).
		WillReturnRows(rows)

	stuck, err := s.StuckTasks(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, "task-1", stuck[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDanglingPendingQueryExcludesRecentQueueActivity(t *testing.T) {
	s, mock := newMockStore(t)
	row := baseTask(StatusPending)
	cutoff := time.Now().Add(-time.Minute)

	mock.ExpectQuery(`(?s)SELECT .+ FROM tasks t\s+WHERE t.status = \$1 AND t.updated_at < \$2\s+AND NOT EXISTS .+'claimed', 'promoted', 'reconciled'`).
		WithArgs(StatusPending, cutoff).
		WillReturnRows(taskRows(row))

	lost, err := s.DanglingPending(context.Background(), cutoff)
	require.NoError(t, err)
	require.Len(t, lost, 1)
	assert.Equal(t, "task-1", lost[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
