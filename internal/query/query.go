// Package query defines the request/response contract between the archiving
// control loop and the metadata query service.
//
// The loop always sends the same CandidateQuery value: terminal workflows whose
// metadata is still Unarchived, one result per page, oldest first. A failed
// query is the error return of Querier.QueryCandidates and is passed through to
// the caller untouched.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

// CandidatePageSize is the page size of every candidate query.
const CandidatePageSize = 1

// ErrTooManyResults means a response carried more workflows than the page
// size allows.
var ErrTooManyResults = errors.New("query: more results than page size")

// CandidateQuery is the selection filter sent to the metadata service. It is
// comparable with == so callers can assert the exact value.
type CandidateQuery struct {
	TerminalOnly  bool                        // only Succeeded, Failed, Aborted executions
	ArchiveStatus types.MetadataArchiveStatus // metadata archive status to match
	PageSize      int                         // maximum workflows per response
	Page          int                         // 1-based page number
	OldestFirst   bool                        // order by end time ascending
}

// NewCandidateQuery returns the fixed "give me one archival candidate" query.
func NewCandidateQuery() CandidateQuery {
	return CandidateQuery{
		TerminalOnly:  true,
		ArchiveStatus: types.Unarchived,
		PageSize:      CandidatePageSize,
		Page:          1,
		OldestFirst:   true,
	}
}

// Matches reports whether a workflow summary satisfies the filter.
func (q CandidateQuery) Matches(md types.WorkflowMetadata) bool {
	if q.TerminalOnly && !md.Status.IsTerminal() {
		return false
	}
	return md.ArchiveStatus == q.ArchiveStatus
}

// Result is a successful query response.
type Result struct {
	Workflows  []types.WorkflowID // zero or one entry for a candidate query
	TotalCount int                // eligible workflows in the store, ignoring paging
}

// Candidate returns the workflow to freeze, if any. When a response violates
// the page size the first entry is still returned; see Validate.
func (r Result) Candidate() (types.WorkflowID, bool) {
	if len(r.Workflows) == 0 {
		return "", false
	}
	return r.Workflows[0], true
}

// Validate checks the response against the page size of q.
func (r Result) Validate(q CandidateQuery) error {
	if q.PageSize > 0 && len(r.Workflows) > q.PageSize {
		return fmt.Errorf("%w: got %d, page size %d", ErrTooManyResults, len(r.Workflows), q.PageSize)
	}
	return nil
}

// Querier is the metadata query service.
type Querier interface {
	QueryCandidates(ctx context.Context, q CandidateQuery) (Result, error)
}

// QuerierFunc adapts a function to Querier.
type QuerierFunc func(ctx context.Context, q CandidateQuery) (Result, error)

// QueryCandidates calls f.
func (f QuerierFunc) QueryCandidates(ctx context.Context, q CandidateQuery) (Result, error) {
	return f(ctx, q)
}
