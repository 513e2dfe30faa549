// Package pgstore provides a PostgreSQL implementation of triage.Store.
//
// The state is split into a single metadata row (triage_state) holding the
// revision and one row per remembered entry (triage_entries). Save runs in a
// transaction that locks the metadata row, so concurrent runs serialize and
// the later one merges rather than overwrites.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/secnews/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/secnews/internal/triage/pgstore")

//go:embed schema.sql
var schema string

const batchSize = 500

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var entryColumns = []string{
	"id", "decision", "processed_at", "title", "link", "title_key",
	"score", "target", "rationale", "reason",
}

const upsertSuffix = `ON CONFLICT (id) DO UPDATE SET
	decision     = EXCLUDED.decision,
	processed_at = EXCLUDED.processed_at,
	title        = EXCLUDED.title,
	link         = EXCLUDED.link,
	title_key    = EXCLUDED.title_key,
	score        = EXCLUDED.score,
	target       = EXCLUDED.target,
	rationale    = EXCLUDED.rationale,
	reason       = EXCLUDED.reason`

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists the triage state in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// New applies the schema on pool and returns a ready Store. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pgstore: nil pool")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Load reads the full state. An empty database yields an empty state.
func (s *Store) Load(ctx context.Context) (*triage.State, error) {
	ctx, span := startSpan(ctx, "pgstore.Load", "SELECT")
	defer span.End()

	st, err := readState(ctx, s.pool, false)
	if err != nil {
		fail(span, err)
		return triage.NewState(), fmt.Errorf("%w: %w", triage.ErrStateLoad, err)
	}
	span.SetAttributes(
		attribute.Int64("secnews.state.revision", st.Revision),
		attribute.Int("secnews.state.records", st.Len()),
	)
	return st, nil
}

// Save writes st and bumps its revision. Records written by another run
// since st was loaded are merged into st first. Only rows that changed are
// written.
func (s *Store) Save(ctx context.Context, st *triage.State) error {
	ctx, span := startSpan(ctx, "pgstore.Save", "UPSERT")
	defer span.End()

	if err := s.save(ctx, st); err != nil {
		fail(span, err)
		return fmt.Errorf("%w: %w", triage.ErrStateSave, err)
	}
	span.SetAttributes(
		attribute.Int64("secnews.state.revision", st.Revision),
		attribute.Int("secnews.state.records", st.Len()),
	)
	return nil
}

func (s *Store) save(ctx context.Context, st *triage.State) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx,
		`INSERT INTO triage_state (id, version, revision) VALUES (1, $1, 0) ON CONFLICT (id) DO NOTHING`,
		triage.StateVersion,
	); err != nil {
		return fmt.Errorf("init state row: %w", err)
	}

	cur, err := readState(ctx, tx, true)
	if err != nil {
		return err
	}

	if cur.Revision != st.Revision {
		s.logger.Warn(ctx, "state changed since load, merging",
			"loaded_revision", st.Revision,
			"current_revision", cur.Revision,
		)
		st.Merge(cur)
	}

	var upserts []triage.StoredEntry
	for id, r := range st.Entries {
		if old, ok := cur.Entries[id]; ok && sameRecord(old, r) {
			continue
		}
		upserts = append(upserts, triage.StoredEntry{ID: id, Record: r})
	}
	var deletes []string
	for id := range cur.Entries {
		if !st.HasSeen(id) {
			deletes = append(deletes, id)
		}
	}

	if err := upsertEntries(ctx, tx, upserts); err != nil {
		return err
	}
	if err := deleteEntries(ctx, tx, deletes); err != nil {
		return err
	}

	next := max(st.Revision, cur.Revision) + 1
	updatedAt := st.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	query, args, err := psql.Update("triage_state").
		Set("version", triage.StateVersion).
		Set("revision", next).
		Set("criteria_hash", st.CriteriaHash).
		Set("updated_at", updatedAt).
		Where(sq.Eq{"id": 1}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update state row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Info(ctx, "state saved",
		"revision", next,
		"upserted", len(upserts),
		"deleted", len(deletes),
	)
	st.Revision = next
	return nil
}

// readState loads the metadata row and all entries. forUpdate locks the
// metadata row for the rest of the transaction.
func readState(ctx context.Context, q querier, forUpdate bool) (*triage.State, error) {
	st := triage.NewState()

	b := psql.Select("version", "revision", "criteria_hash", "updated_at").
		From("triage_state").
		Where(sq.Eq{"id": 1})
	if forUpdate {
		b = b.Suffix("FOR UPDATE")
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}

	var version int
	err = q.QueryRow(ctx, query, args...).Scan(&version, &st.Revision, &st.CriteriaHash, &st.UpdatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return st, nil
	case err != nil:
		return nil, fmt.Errorf("read state row: %w", err)
	}
	if version > triage.StateVersion {
		return nil, fmt.Errorf("unsupported state version %d", version)
	}

	query, args, err = psql.Select(entryColumns...).From("triage_entries").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id       string
			decision string
			r        triage.Record
		)
		if err := rows.Scan(&id, &decision, &r.ProcessedAt, &r.Title, &r.Link, &r.TitleKey,
			&r.Score, &r.Target, &r.Rationale, &r.Reason); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		r.Decision = triage.Decision(decision)
		r.ProcessedAt = r.ProcessedAt.UTC()
		st.Entries[id] = r
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return st, nil
}

func upsertEntries(ctx context.Context, tx pgx.Tx, entries []triage.StoredEntry) error {
	for start := 0; start < len(entries); start += batchSize {
		end := min(start+batchSize, len(entries))

		b := psql.Insert("triage_entries").Columns(entryColumns...)
		for _, e := range entries[start:end] {
			b = b.Values(e.ID, string(e.Decision), e.ProcessedAt.UTC(), e.Title, e.Link, e.TitleKey,
				e.Score, e.Target, e.Rationale, e.Reason)
		}
		query, args, err := b.Suffix(upsertSuffix).ToSql()
		if err != nil {
			return fmt.Errorf("build insert: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert entries: %w", err)
		}
	}
	return nil
}

func deleteEntries(ctx context.Context, tx pgx.Tx, ids []string) error {
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))

		query, args, err := psql.Delete("triage_entries").
			Where(sq.Eq{"id": ids[start:end]}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("delete entries: %w", err)
		}
	}
	return nil
}

// sameRecord compares at the database's microsecond precision.
func sameRecord(a, b triage.Record) bool {
	ta := a.ProcessedAt.Truncate(time.Microsecond)
	tb := b.ProcessedAt.Truncate(time.Microsecond)
	a.ProcessedAt, b.ProcessedAt = time.Time{}, time.Time{}
	return ta.Equal(tb) && a == b
}
