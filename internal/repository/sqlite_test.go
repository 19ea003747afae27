package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/xiaot623/gogo/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	started := time.Now().Add(-time.Second)
	if err := store.CreateRun(ctx, &RunRecord{
		RunID: "run_1", UserID: "u1", ThreadID: "th_1", Agent: "advisor", Message: "hi",
		State: domain.RunStateRunning, StartedAt: started,
	}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.UserID != "u1" || got.State != domain.RunStateRunning || got.EndedAt != nil {
		t.Fatalf("unexpected run: %+v", got)
	}

	err = store.CompleteRun(ctx, domain.RunResult{
		RunID:   "run_1",
		State:   domain.RunStateFailed,
		Error:   &domain.RunError{Code: domain.ErrorCodeToolFailed, Message: "boom"},
		Metrics: domain.RunMetrics{ToolCalls: 2, ToolFailures: 1},
	})
	if err != nil {
		t.Fatalf("CompleteRun failed: %v", err)
	}

	got, err = store.GetRun(ctx, "run_1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.State != domain.RunStateFailed || got.EndedAt == nil {
		t.Fatalf("run not completed: %+v", got)
	}
	if got.Error == nil || got.Error.Code != domain.ErrorCodeToolFailed {
		t.Fatalf("unexpected error payload: %+v", got.Error)
	}
	if got.Metrics.ToolCalls != 2 || got.Metrics.ToolFailures != 1 {
		t.Fatalf("unexpected metrics: %+v", got.Metrics)
	}
	res := got.Result()
	if res.Success || res.Duration <= 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSQLiteStoreGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	err = store.CompleteRun(context.Background(), domain.RunResult{RunID: "missing", State: domain.RunStateCompleted})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStoreEvents(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateRun(ctx, &RunRecord{RunID: "run_1", UserID: "u1", ThreadID: "t", Agent: "a", Message: "m", State: domain.RunStatePending, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	for i := 1; i <= 5; i++ {
		err := store.AppendEvent(ctx, EventRecord{
			RunID:     "run_1",
			Sequence:  uint64(i),
			Type:      "agent_thinking",
			Timestamp: time.Now(),
			Payload:   json.RawMessage(fmt.Sprintf(`{"sequence":%d}`, i)),
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	// Duplicate sequence is rejected by the primary key.
	if err := store.AppendEvent(ctx, EventRecord{RunID: "run_1", Sequence: 1, Type: "x", Timestamp: time.Now(), Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected duplicate sequence to fail")
	}

	events, err := store.ListEvents(ctx, "run_1", 2, 2)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 2 || events[0].Sequence != 3 || events[1].Sequence != 4 {
		t.Fatalf("unexpected events: %+v", events)
	}

	all, err := store.ListEvents(ctx, "run_1", 0, 0)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events, got %d", len(all))
	}
}

func TestSQLiteStoreToolCalls(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	if err := store.CreateRun(ctx, &RunRecord{RunID: "run_1", UserID: "u1", ThreadID: "t", Agent: "a", Message: "m", State: domain.RunStateRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	inv := domain.ToolInvocation{
		ID:         "tc_1",
		RunID:      "run_1",
		Tool:       "cost.analyze",
		Parameters: json.RawMessage(`{"account":"a"}`),
		Status:     domain.ToolStatusExecuting,
		Attempt:    1,
		StartedAt:  time.Now(),
	}
	if err := store.RecordToolCall(ctx, inv); err != nil {
		t.Fatalf("RecordToolCall failed: %v", err)
	}
	inv.Status = domain.ToolStatusFailed
	inv.Error = &domain.ToolError{Message: "boom", Code: domain.ErrorCodeToolError}
	inv.Duration = 15 * time.Millisecond
	if err := store.RecordToolCall(ctx, inv); err != nil {
		t.Fatalf("RecordToolCall update failed: %v", err)
	}

	calls, err := store.ListToolCalls(ctx, "run_1")
	if err != nil {
		t.Fatalf("ListToolCalls failed: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Status != domain.ToolStatusFailed || calls[0].Error == nil || calls[0].Error.Code != domain.ErrorCodeToolError {
		t.Fatalf("unexpected call: %+v", calls[0])
	}
	if calls[0].Duration != 15*time.Millisecond {
		t.Fatalf("unexpected duration: %v", calls[0].Duration)
	}
}

func TestSQLiteStoreCompleteRunDatabaseError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	store := NewFromDB(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE runs SET state = ?")).
		WithArgs("COMPLETED", sqlmock.AnyArg(), "done", nil, sqlmock.AnyArg(), "run_1").
		WillReturnError(errors.New("disk full"))

	err = store.CompleteRun(context.Background(), domain.RunResult{RunID: "run_1", State: domain.RunStateCompleted, Response: "done"})
	if err == nil || err.Error() != "disk full" {
		t.Fatalf("expected disk full error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSQLiteStoreAppendEventArgs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	defer db.Close()
	store := NewFromDB(db)

	mock.ExpectExec("INSERT INTO events").
		WithArgs("run_1", uint64(7), "agent_completed", sqlmock.AnyArg(), `{"type":"agent_completed"}`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.AppendEvent(context.Background(), EventRecord{
		RunID: "run_1", Sequence: 7, Type: "agent_completed", Timestamp: time.Now(),
		Payload: json.RawMessage(`{"type":"agent_completed"}`),
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
