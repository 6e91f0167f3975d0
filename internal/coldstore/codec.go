package coldstore

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ChuLiYu/carbonite/pkg/types"
)

var (
	// ErrCorruptedArchive 歸檔內容無法解壓或解析
	ErrCorruptedArchive = errors.New("archive is corrupted")
	// ErrIncompatibleVersion 歸檔 schema 版本不相容
	ErrIncompatibleVersion = errors.New("archive schema version is incompatible")
)

// EncodeArchive 將歸檔內容序列化為 gzip JSON，並寫入目前的 schema 版本
func EncodeArchive(archive types.ArchivedMetadata) ([]byte, error) {
	archive.SchemaVer = types.ArchiveSchemaVersion
	if archive.Events == nil {
		archive.Events = []types.MetadataEvent{}
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	zw.Name = string(archive.WorkflowID) + ".json"
	zw.ModTime = archive.ArchivedAt

	if err := json.NewEncoder(zw).Encode(archive); err != nil {
		zw.Close()
		return nil, fmt.Errorf("failed to encode archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress archive: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeArchive 解壓並驗證版本
func DecodeArchive(data []byte) (types.ArchivedMetadata, error) {
	var archive types.ArchivedMetadata

	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return archive, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return archive, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}
	if err := json.Unmarshal(raw, &archive); err != nil {
		return archive, fmt.Errorf("%w: %v", ErrCorruptedArchive, err)
	}

	if archive.SchemaVer != types.ArchiveSchemaVersion {
		return archive, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, archive.SchemaVer, types.ArchiveSchemaVersion)
	}
	return archive, nil
}
