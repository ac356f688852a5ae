// Package pgstore provides a PostgreSQL implementation of finding.Store.
// Every index lives in one findings table; documents are stored as jsonb and
// the timestamp, processed flag and claim are mirrored into columns.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/postgres"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/finding/pgstore")

//go:embed schema.sql
var schema string

// Store persists findings in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema and returns a Store that owns pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) start(ctx context.Context, op, sqlOp, index string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "pgstore."+op, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", sqlOp),
		attribute.String("warden.finding.index", index),
	))
	return postgres.WithOperation(ctx, op), span
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Exists reports whether any document was ever written to index.
func (s *Store) Exists(ctx context.Context, index string) (bool, error) {
	ctx, span := s.start(ctx, "exists", "SELECT", index)
	defer span.End()

	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM findings WHERE idx = $1)`, index).Scan(&ok)
	if err != nil {
		return false, fail(span, fmt.Errorf("exists %s: %w", index, err))
	}
	return ok, nil
}

// Search runs q against index.
func (s *Store) Search(ctx context.Context, index string, q finding.Query) ([]*finding.Finding, error) {
	ctx, span := s.start(ctx, "search", "SELECT", index)
	defer span.End()

	sql, args, err := compileSearch(index, q)
	if err != nil {
		return nil, fail(span, fmt.Errorf("search %s: %w", index, err))
	}
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("search %s: %w", index, err))
	}
	defer rows.Close()

	var out []*finding.Finding
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fail(span, fmt.Errorf("scan finding: %w", err))
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, fail(span, fmt.Errorf("decode %s/%s: %w", index, id, err))
		}
		out = append(out, finding.FromDocument(index, id, doc))
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate findings: %w", err))
	}
	span.SetAttributes(attribute.Int("warden.search.hits", len(out)))
	return out, nil
}

// Index writes doc under id, replacing any existing document. An empty id
// is assigned a ULID.
func (s *Store) Index(ctx context.Context, index, id string, doc finding.Document) (string, error) {
	ctx, span := s.start(ctx, "index", "UPSERT", index)
	defer span.End()

	if id == "" {
		id = ulid.Make().String()
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fail(span, fmt.Errorf("encode %s/%s: %w", index, id, err))
	}
	processed, _ := doc[finding.FieldProcessed].(bool)

	_, err = s.pool.Exec(ctx, `INSERT INTO findings (idx, id, ts, processed, doc)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (idx, id) DO UPDATE SET
			ts        = EXCLUDED.ts,
			processed = EXCLUDED.processed,
			doc       = EXCLUDED.doc`,
		index, id, docTime(doc), processed, string(raw),
	)
	if err != nil {
		return "", fail(span, fmt.Errorf("index %s/%s: %w", index, id, err))
	}
	return id, nil
}

// Get reads one finding.
func (s *Store) Get(ctx context.Context, index, id string) (*finding.Finding, bool, error) {
	ctx, span := s.start(ctx, "get", "SELECT", index)
	defer span.End()

	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM findings WHERE idx = $1 AND id = $2`, index, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("get %s/%s: %w", index, id, err))
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("decode %s/%s: %w", index, id, err))
	}
	return finding.FromDocument(index, id, doc), true, nil
}

// Update merges partial into the stored document.
func (s *Store) Update(ctx context.Context, index, id string, partial finding.Document) error {
	ctx, span := s.start(ctx, "update", "UPDATE", index)
	defer span.End()

	raw, err := json.Marshal(partial)
	if err != nil {
		return fail(span, fmt.Errorf("encode %s/%s: %w", index, id, err))
	}
	var processed *bool
	if b, ok := partial[finding.FieldProcessed].(bool); ok {
		processed = &b
	}

	tag, err := s.pool.Exec(ctx, `UPDATE findings SET
			doc       = doc || $3::jsonb,
			processed = COALESCE($4, processed),
			ts        = COALESCE($5, ts)
		WHERE idx = $1 AND id = $2`,
		index, id, string(raw), processed, docTime(partial),
	)
	if err != nil {
		return fail(span, fmt.Errorf("update %s/%s: %w", index, id, err))
	}
	if tag.RowsAffected() == 0 {
		return fail(span, fmt.Errorf("update %s/%s: not found", index, id))
	}
	return nil
}

// Claim takes ownership of an unprocessed finding until lease expires. The
// holder may renew its own claim.
func (s *Store) Claim(ctx context.Context, index, id, owner string, lease time.Duration) (bool, error) {
	ctx, span := s.start(ctx, "claim", "UPDATE", index)
	defer span.End()

	var got string
	err := s.pool.QueryRow(ctx, `UPDATE findings SET
			claimed_by    = $3,
			claimed_until = now() + make_interval(secs => $4)
		WHERE idx = $1 AND id = $2 AND NOT processed
		  AND (claimed_by IS NULL OR claimed_by = $3 OR claimed_until < now())
		RETURNING id`,
		index, id, owner, lease.Seconds(),
	).Scan(&got)
	if err == nil {
		span.SetAttributes(attribute.Bool("warden.lease.won", true))
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fail(span, fmt.Errorf("claim %s/%s: %w", index, id, err))
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM findings WHERE idx = $1 AND id = $2)`, index, id).Scan(&exists); err != nil {
		return false, fail(span, fmt.Errorf("claim %s/%s: %w", index, id, err))
	}
	if !exists {
		return false, fail(span, fmt.Errorf("claim %s/%s: not found", index, id))
	}
	span.SetAttributes(attribute.Bool("warden.lease.won", false))
	return false, nil
}

// Release drops owner's claim; another owner's claim is left alone.
func (s *Store) Release(ctx context.Context, index, id, owner string) error {
	ctx, span := s.start(ctx, "release", "UPDATE", index)
	defer span.End()

	_, err := s.pool.Exec(ctx, `UPDATE findings SET claimed_by = NULL, claimed_until = NULL
		WHERE idx = $1 AND id = $2 AND claimed_by = $3`, index, id, owner)
	if err != nil {
		return fail(span, fmt.Errorf("release %s/%s: %w", index, id, err))
	}
	return nil
}

func decode(raw []byte) (finding.Document, error) {
	var doc finding.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// docTime returns the parsed @timestamp, or nil so the column stays NULL.
func docTime(doc finding.Document) *time.Time {
	s, ok := doc[finding.FieldTimestamp].(string)
	if !ok {
		return nil
	}
	t, ok := finding.ParseTime(s)
	if !ok {
		return nil
	}
	return &t
}
