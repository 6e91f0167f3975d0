package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/carbonite/internal/query"
	"github.com/ChuLiYu/carbonite/pkg/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS workflow_metadata_summary (
	workflow_id    TEXT PRIMARY KEY,
	workflow_name  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	archive_status TEXT NOT NULL DEFAULT 'Unarchived',
	start_time     TIMESTAMPTZ NOT NULL,
	end_time       TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS workflow_metadata_summary_candidate_idx
	ON workflow_metadata_summary (archive_status, end_time, workflow_id);

CREATE TABLE IF NOT EXISTS metadata_entry (
	metadata_journal_id BIGSERIAL PRIMARY KEY,
	workflow_id         TEXT NOT NULL REFERENCES workflow_metadata_summary (workflow_id),
	metadata_key        TEXT NOT NULL,
	metadata_value      TEXT NOT NULL DEFAULT '',
	metadata_timestamp  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS metadata_entry_workflow_idx
	ON metadata_entry (workflow_id, metadata_timestamp);
`

// PoolConfig tunes the pgx connection pool. Zero values keep pgx defaults.
type PoolConfig struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Connect parses the DSN, opens a pool and pings it.
func Connect(ctx context.Context, dsn string, cfg PoolConfig) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("metadata store: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("metadata store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("metadata store: ping: %w", err)
	}
	return NewPgStore(pool), nil
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

// EnsureSchema creates the summary and entry tables if they are missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Put inserts a summary and its entries in one transaction.
func (s *PgStore) Put(ctx context.Context, md types.WorkflowMetadata) error {
	if md.ID == "" {
		return fmt.Errorf("put workflow: empty id")
	}
	if md.ArchiveStatus == "" {
		md.ArchiveStatus = types.Unarchived
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put workflow: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO workflow_metadata_summary (
			workflow_id, workflow_name, status, archive_status, start_time, end_time
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id) DO NOTHING`,
		string(md.ID), md.Name, string(md.Status), string(md.ArchiveStatus), md.StartedAt, md.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow summary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("put workflow %s: %w", md.ID, ErrDuplicate)
	}

	for _, ev := range md.Events {
		_, err := tx.Exec(ctx, `
			INSERT INTO metadata_entry (workflow_id, metadata_key, metadata_value, metadata_timestamp)
			VALUES ($1, $2, $3, $4)`,
			string(md.ID), ev.Key, ev.Value, ev.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert metadata entry %q: %w", ev.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put workflow: %w", err)
	}
	return nil
}

// Get retrieves a summary by workflow id.
func (s *PgStore) Get(ctx context.Context, id types.WorkflowID) (types.WorkflowMetadata, error) {
	var (
		md                    types.WorkflowMetadata
		rawID, status, archSt string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT workflow_id, workflow_name, status, archive_status, start_time, end_time
		FROM workflow_metadata_summary
		WHERE workflow_id = $1`,
		string(id),
	).Scan(&rawID, &md.Name, &status, &archSt, &md.StartedAt, &md.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.WorkflowMetadata{}, fmt.Errorf("get workflow %s: %w", id, ErrWorkflowNotFound)
	}
	if err != nil {
		return types.WorkflowMetadata{}, fmt.Errorf("query workflow summary: %w", err)
	}

	md.ID = types.WorkflowID(rawID)
	md.Status = types.ExecutionStatus(status)
	md.ArchiveStatus = types.MetadataArchiveStatus(archSt)
	return md, nil
}

// Events retrieves all entries of a workflow in timestamp order.
func (s *PgStore) Events(ctx context.Context, id types.WorkflowID) ([]types.MetadataEvent, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT metadata_key, metadata_value, metadata_timestamp
		FROM metadata_entry
		WHERE workflow_id = $1
		ORDER BY metadata_timestamp ASC, metadata_journal_id ASC`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("query metadata entries: %w", err)
	}
	defer rows.Close()

	var events []types.MetadataEvent
	for rows.Next() {
		var ev types.MetadataEvent
		if err := rows.Scan(&ev.Key, &ev.Value, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan metadata entry: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SetArchiveStatus updates the archive status only when the transition is
// allowed by checkTransition. The guard is part of the UPDATE so two
// archivers racing on one workflow cannot both mark it Archived.
func (s *PgStore) SetArchiveStatus(ctx context.Context, id types.WorkflowID, status types.MetadataArchiveStatus) error {
	if !status.Valid() {
		return fmt.Errorf("set archive status of %s: unknown status %q", id, status)
	}

	sql := `UPDATE workflow_metadata_summary SET archive_status = $1 WHERE workflow_id = $2`
	args := []any{string(status), string(id)}
	if status != types.Unarchived {
		sql += ` AND archive_status = $3`
		args = append(args, string(types.Unarchived))
	}

	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update archive status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("set archive status of %s: %w", id, err)
	}
	return fmt.Errorf("set archive status of %s from %s to %s: %w", id, current.ArchiveStatus, status, ErrNotEligible)
}

// QueryCandidates returns one page of matching workflow ids. TotalCount comes
// from a window count over the filtered rows; it is zero when the page is
// past the end.
func (s *PgStore) QueryCandidates(ctx context.Context, q query.CandidateQuery) (query.Result, error) {
	sql := `SELECT workflow_id, count(*) OVER ()
	        FROM workflow_metadata_summary
	        WHERE archive_status = $1`
	args := []any{string(q.ArchiveStatus)}
	argIdx := 2

	if q.TerminalOnly {
		sql += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, terminalStatusStrings())
		argIdx++
	}

	if q.OldestFirst {
		sql += " ORDER BY end_time ASC NULLS LAST, workflow_id ASC"
	} else {
		sql += " ORDER BY end_time DESC NULLS LAST, workflow_id ASC"
	}

	if q.PageSize > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, q.PageSize)
		argIdx++
	}
	if offset := pageOffset(q); offset > 0 {
		sql += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, offset)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return query.Result{}, fmt.Errorf("query candidates: %w", err)
	}
	defer rows.Close()

	var result query.Result
	for rows.Next() {
		var (
			id    string
			total int64
		)
		if err := rows.Scan(&id, &total); err != nil {
			return query.Result{}, fmt.Errorf("scan candidate: %w", err)
		}
		result.Workflows = append(result.Workflows, types.WorkflowID(id))
		result.TotalCount = int(total)
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, fmt.Errorf("query candidates: %w", err)
	}
	return result, nil
}

// Stats counts summaries per archive status.
func (s *PgStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT archive_status, count(*), count(*) FILTER (WHERE status = ANY($1))
		FROM workflow_metadata_summary
		GROUP BY archive_status`,
		terminalStatusStrings(),
	)
	if err != nil {
		return Stats{}, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var (
			archSt          string
			count, terminal int64
		)
		if err := rows.Scan(&archSt, &count, &terminal); err != nil {
			return Stats{}, fmt.Errorf("scan stats: %w", err)
		}
		stats.Total += int(count)
		switch types.MetadataArchiveStatus(archSt) {
		case types.Unarchived:
			stats.Unarchived = int(count)
			stats.Eligible = int(terminal)
		case types.Archived:
			stats.Archived = int(count)
		case types.ArchiveFailed:
			stats.ArchiveFailed = int(count)
		}
	}
	return stats, rows.Err()
}

func terminalStatusStrings() []string {
	out := make([]string, 0, len(types.TerminalStatuses))
	for _, st := range types.TerminalStatuses {
		out = append(out, string(st))
	}
	return out
}
