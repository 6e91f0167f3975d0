package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWorkflowID(t *testing.T) {
	id, err := ParseWorkflowID("0E6F9A3C-5B1D-4D0B-9C3E-7A2F1B8D4E60")
	require.NoError(t, err)
	assert.Equal(t, WorkflowID("0e6f9a3c-5b1d-4d0b-9c3e-7a2f1b8d4e60"), id, "ids should be normalized to lower case")

	_, err = ParseWorkflowID("wf-1")
	assert.Error(t, err)
}

func TestNewWorkflowID(t *testing.T) {
	a := NewWorkflowID()
	b := NewWorkflowID()
	assert.NotEqual(t, a, b)

	_, err := ParseWorkflowID(string(a))
	assert.NoError(t, err, "minted ids must parse")
	assert.Equal(t, string(a), strings.ToLower(string(a)))
}

func TestExecutionStatusIsTerminal(t *testing.T) {
	testCases := []struct {
		status   ExecutionStatus
		terminal bool
	}{
		{ExecutionSubmitted, false},
		{ExecutionRunning, false},
		{ExecutionAborting, false},
		{ExecutionSucceeded, true},
		{ExecutionFailed, true},
		{ExecutionAborted, true},
	}

	for _, tc := range testCases {
		t.Run(string(tc.status), func(t *testing.T) {
			assert.Equal(t, tc.terminal, tc.status.IsTerminal())
		})
	}

	for _, s := range TerminalStatuses {
		assert.True(t, s.IsTerminal())
	}
}

func TestMetadataArchiveStatusValid(t *testing.T) {
	assert.True(t, Unarchived.Valid())
	assert.True(t, Archived.Valid())
	assert.True(t, ArchiveFailed.Valid())
	assert.False(t, MetadataArchiveStatus("Deleted").Valid())
	assert.False(t, MetadataArchiveStatus("").Valid())
}
