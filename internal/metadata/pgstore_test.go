package metadata

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/carbonite/internal/query"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

// newTestPgStore connects to CARBONITE_TEST_POSTGRES_DSN and truncates the
// archiver tables. The test is skipped when the variable is unset.
func newTestPgStore(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("CARBONITE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CARBONITE_TEST_POSTGRES_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := Connect(ctx, dsn, PoolConfig{MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.EnsureSchema(ctx))
	_, err = s.pool.Exec(ctx, `TRUNCATE metadata_entry, workflow_metadata_summary`)
	require.NoError(t, err)
	return s
}

func TestPgStoreRoundTrip(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()

	id := types.NewWorkflowID()
	md := newTestWorkflow(string(id), time.Hour)
	require.NoError(t, s.Put(ctx, md))
	assert.ErrorIs(t, s.Put(ctx, md), ErrDuplicate)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, md.Name, got.Name)
	assert.Equal(t, types.ExecutionSucceeded, got.Status)
	assert.Equal(t, types.Unarchived, got.ArchiveStatus)
	require.NotNil(t, got.EndedAt)
	assert.True(t, md.EndedAt.Equal(*got.EndedAt))

	events, err := s.Events(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "inputs:x", events[0].Key)

	_, err = s.Get(ctx, types.NewWorkflowID())
	assert.ErrorIs(t, err, ErrWorkflowNotFound)
}

func TestPgStoreCandidatesAndStatus(t *testing.T) {
	s := newTestPgStore(t)
	ctx := context.Background()

	oldest := types.NewWorkflowID()
	newer := types.NewWorkflowID()
	seedStore(t, s,
		newTestWorkflow(string(newer), time.Hour),
		newTestWorkflow(string(oldest), 3*time.Hour),
		newRunningWorkflow(string(types.NewWorkflowID())),
	)

	result, err := s.QueryCandidates(ctx, query.NewCandidateQuery())
	require.NoError(t, err)
	assert.Equal(t, []types.WorkflowID{oldest}, result.Workflows)
	assert.Equal(t, 2, result.TotalCount)

	require.NoError(t, s.SetArchiveStatus(ctx, oldest, types.Archived))
	assert.ErrorIs(t, s.SetArchiveStatus(ctx, oldest, types.Archived), ErrNotEligible)
	assert.ErrorIs(t, s.SetArchiveStatus(ctx, types.NewWorkflowID(), types.Archived), ErrWorkflowNotFound)

	result, err = s.QueryCandidates(ctx, query.NewCandidateQuery())
	require.NoError(t, err)
	assert.Equal(t, []types.WorkflowID{newer}, result.Workflows)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Unarchived: 2, Archived: 1, Eligible: 1}, stats)
}
