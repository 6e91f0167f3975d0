package coldstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

func newTestArchive() types.ArchivedMetadata {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(5 * time.Minute)
	return types.ArchivedMetadata{
		WorkflowID: "0e6f9a3c-5b1d-4d0b-9c3e-7a2f1b8d4e60",
		Name:       "hello_world",
		Status:     types.ExecutionSucceeded,
		StartedAt:  started,
		EndedAt:    &ended,
		ArchivedAt: ended.Add(time.Hour),
		Events: []types.MetadataEvent{
			{Key: "outputs:hello.salutation", Value: "Hello World!", Timestamp: ended},
		},
	}
}

func TestFileStorePutGet(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested", "archive")
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	key := Key("wf-1")
	assert.Equal(t, "wf-1.json.gz", key)

	ok, err := s.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, key, []byte("first")))
	require.NoError(t, s.Put(ctx, key, []byte("second")), "rewrites replace the previous archive")

	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	ok, err = s.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []types.WorkflowID{"b", "a", "c"} {
		require.NoError(t, s.Put(ctx, Key(id), []byte(id)))
	}

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	keys, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.json.gz", "b.json.gz", "c.json.gz"}, keys)
}

func TestFileStoreRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "../escape.json.gz", "a/b.json.gz", ".hidden"} {
		assert.ErrorIs(t, s.Put(ctx, key, []byte("x")), ErrInvalidKey, key)
	}

	_, err = NewFileStore("")
	assert.Error(t, err)
}

func TestFileStoreCancelledContext(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Put(ctx, Key("a"), []byte("x")), context.Canceled)
}

func TestEncodeDecodeArchive(t *testing.T) {
	archive := newTestArchive()

	data, err := EncodeArchive(archive)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, data[:2], "archives are gzip streams")

	got, err := DecodeArchive(data)
	require.NoError(t, err)
	assert.Equal(t, types.ArchiveSchemaVersion, got.SchemaVer)
	assert.Equal(t, archive.WorkflowID, got.WorkflowID)
	assert.Equal(t, archive.Events, got.Events)
	require.NotNil(t, got.EndedAt)
	assert.True(t, archive.EndedAt.Equal(*got.EndedAt))
}

func TestDecodeArchiveErrors(t *testing.T) {
	_, err := DecodeArchive([]byte("not gzip"))
	assert.ErrorIs(t, err, ErrCorruptedArchive)

	archive := newTestArchive()
	data, err := EncodeArchive(archive)
	require.NoError(t, err)
	_, err = DecodeArchive(data[:len(data)/2])
	assert.ErrorIs(t, err, ErrCorruptedArchive)
}

func TestDecodeArchiveRejectsNewerSchema(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"schema_ver": 2, "workflow_id": "wf-1", "events": []}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = DecodeArchive(buf.Bytes())
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}
