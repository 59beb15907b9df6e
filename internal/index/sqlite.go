package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"

	_ "modernc.org/sqlite" // SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS collections (
	name TEXT PRIMARY KEY,
	dim  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	id         TEXT NOT NULL,
	collection TEXT NOT NULL REFERENCES collections(name),
	source_id  TEXT NOT NULL,
	text       TEXT NOT NULL,
	vector     BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(collection, source_id);
`

// SQLite keeps a collection in a local database file and scores candidates in Go.
type SQLite struct {
	db         *sql.DB
	collection string
	logger     *slog.Logger
}

func NewSQLite(path, collection string, logger *slog.Logger) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is empty", ErrUnsupportedURL)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db, collection: collection, logger: logger}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) collectionDim(ctx context.Context) (int, error) {
	var dim int
	err := s.db.QueryRowContext(ctx, `SELECT dim FROM collections WHERE name = ?`, s.collection).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read collection: %w", err)
	}
	return dim, nil
}

func (s *SQLite) EnsureCollection(ctx context.Context, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("invalid dimension %d", dim)
	}
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO collections (name, dim) VALUES (?, ?)`, s.collection, dim)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("collection created", "collection", s.collection, "dim", dim)
		return nil
	}

	existing, err := s.collectionDim(ctx)
	if err != nil {
		return err
	}
	if existing != dim {
		return fmt.Errorf("%w: got %d, collection has %d", ErrDimensionMismatch, dim, existing)
	}
	return nil
}

func (s *SQLite) Count(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM entries WHERE collection = ? AND source_id = ?`, s.collection, sourceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *SQLite) Upsert(ctx context.Context, entries []Entry) error {
	dim, err := s.collectionDim(ctx)
	if err != nil {
		return err
	}
	if dim == 0 {
		return ErrNoCollection
	}
	if err := checkEntries(dim, entries); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO entries (id, collection, source_id, text, vector) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE
		SET source_id = excluded.source_id, text = excluded.text, vector = excluded.vector`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.ID, s.collection, e.SourceID, e.Text, encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLite) Search(ctx context.Context, vector []float32, sourceID string, k int) ([]Hit, error) {
	dim, err := s.collectionDim(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if err := checkDim(dim, vector); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, source_id, vector FROM entries WHERE collection = ? AND source_id = ? ORDER BY rowid`,
		s.collection, sourceID,
	)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var blob []byte
		if err := rows.Scan(&h.ID, &h.Text, &h.SourceID, &blob); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		h.Score = cosine(vector, decodeVector(blob))
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return topK(hits, k), nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
