package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

func TestNewCandidateQueryIsFixed(t *testing.T) {
	q := NewCandidateQuery()

	assert.Equal(t, NewCandidateQuery(), q, "every call must build an identical value")
	assert.True(t, q.TerminalOnly)
	assert.Equal(t, types.Unarchived, q.ArchiveStatus)
	assert.Equal(t, 1, q.PageSize)
	assert.Equal(t, 1, q.Page)
	assert.True(t, q.OldestFirst)
}

func TestCandidateQueryMatches(t *testing.T) {
	q := NewCandidateQuery()
	ended := time.Now()

	testCases := []struct {
		name string
		md   types.WorkflowMetadata
		want bool
	}{
		{"succeeded unarchived", types.WorkflowMetadata{Status: types.ExecutionSucceeded, ArchiveStatus: types.Unarchived, EndedAt: &ended}, true},
		{"aborted unarchived", types.WorkflowMetadata{Status: types.ExecutionAborted, ArchiveStatus: types.Unarchived, EndedAt: &ended}, true},
		{"running", types.WorkflowMetadata{Status: types.ExecutionRunning, ArchiveStatus: types.Unarchived}, false},
		{"already archived", types.WorkflowMetadata{Status: types.ExecutionFailed, ArchiveStatus: types.Archived, EndedAt: &ended}, false},
		{"archive failed", types.WorkflowMetadata{Status: types.ExecutionFailed, ArchiveStatus: types.ArchiveFailed, EndedAt: &ended}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, q.Matches(tc.md))
		})
	}
}

func TestResultCandidate(t *testing.T) {
	_, ok := Result{}.Candidate()
	assert.False(t, ok)

	id, ok := Result{Workflows: []types.WorkflowID{"wf-1"}, TotalCount: 4}.Candidate()
	assert.True(t, ok)
	assert.Equal(t, types.WorkflowID("wf-1"), id)
}

func TestResultValidate(t *testing.T) {
	q := NewCandidateQuery()

	assert.NoError(t, Result{}.Validate(q))
	assert.NoError(t, Result{Workflows: []types.WorkflowID{"wf-1"}}.Validate(q))

	r := Result{Workflows: []types.WorkflowID{"wf-1", "wf-2"}, TotalCount: 2}
	assert.ErrorIs(t, r.Validate(q), ErrTooManyResults)

	id, ok := r.Candidate()
	require.True(t, ok)
	assert.Equal(t, types.WorkflowID("wf-1"), id)
}

func TestQuerierFuncPassesErrorsThrough(t *testing.T) {
	cause := errors.New("timeout")
	var got CandidateQuery
	f := QuerierFunc(func(ctx context.Context, q CandidateQuery) (Result, error) {
		got = q
		return Result{}, cause
	})

	_, err := f.QueryCandidates(context.Background(), NewCandidateQuery())
	assert.Same(t, cause, err)
	assert.Equal(t, NewCandidateQuery(), got)
}
