package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Postgres stores a collection as one pgvector table.
type Postgres struct {
	pool       *pgxpool.Pool
	collection string
	table      string
	logger     *slog.Logger

	mu  sync.RWMutex
	dim int
}

func NewPostgres(ctx context.Context, databaseURL, collection string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{
		pool:       pool,
		collection: collection,
		table:      pgx.Identifier{collection}.Sanitize(),
		logger:     logger,
	}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// tableDim reads the declared size of the embedding column. ok is false when
// the table does not exist.
func (p *Postgres) tableDim(ctx context.Context) (dim int, ok bool, err error) {
	err = p.pool.QueryRow(ctx, `
		SELECT a.atttypmod
		FROM pg_attribute a
		JOIN pg_class c ON c.oid = a.attrelid
		WHERE c.relname = $1 AND pg_table_is_visible(c.oid)
		  AND a.attname = 'embedding' AND NOT a.attisdropped`,
		p.collection,
	).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read collection dimension: %w", err)
	}
	return dim, true, nil
}

func (p *Postgres) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}

	existing, ok, err := p.tableDim(ctx)
	if err != nil {
		return err
	}
	if !ok {
		if err := p.createTable(ctx, dim); err != nil {
			return err
		}
		if existing, _, err = p.tableDim(ctx); err != nil {
			return err
		}
	}

	if existing != dim {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, dim, existing)
	}
	p.mu.Lock()
	p.dim = existing
	p.mu.Unlock()
	return nil
}

func (p *Postgres) createTable(ctx context.Context, dim int) error {
	indexName := pgx.Identifier{p.collection + "_source_id_idx"}.Sanitize()
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id        uuid PRIMARY KEY,
			source_id text NOT NULL,
			text      text NOT NULL,
			embedding vector(%d) NOT NULL
		)`, p.table, dim),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (source_id)`, indexName, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil && !isCreateRace(err) {
			return fmt.Errorf("create collection: %w", err)
		}
	}
	p.logger.Info("collection created", "collection", p.collection, "dim", dim)
	return nil
}

// isCreateRace reports errors raised when two sessions run the same
// IF NOT EXISTS statement at once.
func isCreateRace(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "42P07" || pgErr.Code == "23505" || pgErr.Code == "42710"
}

// isPgDimensionError matches pgvector's "expected N dimensions" and "different
// vector dimensions" errors.
func isPgDimensionError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && strings.Contains(pgErr.Message, "dimensions")
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

func (p *Postgres) knownDim() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dim
}

func (p *Postgres) Count(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s WHERE source_id = $1`, p.table), sourceID).Scan(&n)
	if isUndefinedTable(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (p *Postgres) Upsert(ctx context.Context, entries []Entry) error {
	if err := checkEntries(p.knownDim(), entries); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, text, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET source_id = EXCLUDED.source_id, text = EXCLUDED.text, embedding = EXCLUDED.embedding`, p.table)

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(query, e.ID, e.SourceID, e.Text, pgvector.NewVector(e.Vector))
	}
	br := tx.SendBatch(ctx, batch)
	for _, e := range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			if isUndefinedTable(err) {
				return ErrNoCollection
			}
			if isPgDimensionError(err) {
				return fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
			}
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (p *Postgres) Search(ctx context.Context, vector []float32, sourceID string, k int) ([]Hit, error) {
	if err := checkDim(p.knownDim(), vector); err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT id::text, text, source_id, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE source_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`, p.table),
		pgvector.NewVector(vector), sourceID, k,
	)
	if isUndefinedTable(err) {
		return nil, nil
	}
	if isPgDimensionError(err) {
		return nil, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
	}
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var score float64
		if err := rows.Scan(&h.ID, &h.Text, &h.SourceID, &score); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return nil, nil
		}
		if isPgDimensionError(err) {
			return nil, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
		}
		return nil, fmt.Errorf("iterate hits: %w", err)
	}
	return hits, nil
}
