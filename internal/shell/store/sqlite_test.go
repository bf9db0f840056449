package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upstack-io/upstack/internal/core/probe"
	"github.com/upstack-io/upstack/internal/core/run"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRun(stackName string) *run.Run {
	r := run.New(stackName)
	r.Services = []run.ServiceState{
		{Name: "db", ContainerID: "ctr-db", Status: "running", Health: probe.HealthHealthy},
		{Name: "app", ContainerID: "ctr-app", Status: "running"},
	}
	return r
}

// =============================================================================
// Open Tests
// =============================================================================

func TestNewSQLiteStore_CreatesParentDirectory(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "data", "upstack.db")

	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Dir(dsn))
	require.NoError(t, err)

	// The file-backed store is usable immediately
	require.NoError(t, s.CreateRun(context.Background(), testRun("web")))
}

// =============================================================================
// CRUD Tests
// =============================================================================

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRun("web")
	require.NoError(t, r.Transition(run.StatusStarting))
	require.NoError(t, r.Transition(run.StatusRunning))

	require.NoError(t, s.CreateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, "web", got.StackName)
	assert.Equal(t, run.StatusRunning, got.Status)
	require.Len(t, got.Services, 2)
	assert.Equal(t, "db", got.Services[0].Name)
	assert.Equal(t, probe.HealthHealthy, got.Services[0].Health)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, *r.StartedAt, *got.StartedAt, time.Millisecond)
}

func TestCreateRun_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRun("web")
	require.NoError(t, s.CreateRun(ctx, r))

	err := s.CreateRun(ctx, r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)

	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "CreateRun", storeErr.Op)
	assert.Equal(t, r.ID, storeErr.ID)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRun("web")
	require.NoError(t, s.CreateRun(ctx, r))

	require.NoError(t, r.Transition(run.StatusStarting))
	require.NoError(t, r.Fail("service db: readiness gate failed"))
	require.NoError(t, s.UpdateRun(ctx, r))

	got, err := s.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, got.Status)
	assert.Equal(t, "service db: readiness gate failed", got.Error)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	r := testRun("web")
	err := s.UpdateRun(context.Background(), r)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRun("web")
	require.NoError(t, s.CreateRun(ctx, r))
	require.NoError(t, s.DeleteRun(ctx, r.ID))

	_, err := s.GetRun(ctx, r.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteRun(ctx, r.ID), ErrNotFound)
}

// =============================================================================
// List Tests
// =============================================================================

func TestListRuns_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		r := testRun("web")
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		r.UpdatedAt = r.CreatedAt
		require.NoError(t, s.CreateRun(ctx, r))
		ids = append(ids, r.ID)
	}

	runs, err := s.ListRuns(ctx, DefaultListOptions())
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID)
	assert.Equal(t, ids[0], runs[2].ID)
}

func TestListRuns_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		r := testRun(fmt.Sprintf("stack-%d", i))
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		r.UpdatedAt = r.CreatedAt
		require.NoError(t, s.CreateRun(ctx, r))
	}

	page, err := s.ListRuns(ctx, ListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "stack-3", page[0].StackName)
	assert.Equal(t, "stack-2", page[1].StackName)
}

func TestListRunsByStack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, testRun("web")))
	require.NoError(t, s.CreateRun(ctx, testRun("web")))
	require.NoError(t, s.CreateRun(ctx, testRun("other")))

	runs, err := s.ListRunsByStack(ctx, "web", DefaultListOptions())
	require.NoError(t, err)
	assert.Len(t, runs, 2)
	for _, r := range runs {
		assert.Equal(t, "web", r.StackName)
	}
}
