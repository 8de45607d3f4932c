package storage

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/pgvector/pgvector-go"

	"catalog-similarity-engine/internal/errs"
	"catalog-similarity-engine/internal/types"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	User         string        `yaml:"user"`
	Password     string        `yaml:"password"`
	Database     string        `yaml:"database"`
	SSLMode      string        `yaml:"ssl_mode"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// DefaultPostgresConfig returns sensible defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:         "localhost",
		Port:         5432,
		Database:     "catalogue",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
		ConnLifetime: 5 * time.Minute,
	}
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// OpenPostgres opens and pings a connection pool.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// allPageSize bounds the rows fetched per keyset page in All.
const allPageSize = 256

// PostgresStore implements EmbeddingStore on a pgvector column.
type PostgresStore struct {
	db  *sql.DB
	dim int
}

// NewPostgresStore wraps db. Call Migrate before first use on a fresh database.
func NewPostgresStore(db *sql.DB, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("invalid dim: %d", dim)
	}
	return &PostgresStore{db: db, dim: dim}, nil
}

// Migrate creates the vector extension and the embeddings table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS product_embeddings (
			product_id BIGINT PRIMARY KEY,
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errs.StorageFailure("postgres.migrate", err)
		}
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, productID types.ProductID, vector types.Vector) (types.EmbeddingRecord, error) {
	rec, err := prepareUpsert("postgres.upsert", s.dim, productID, vector, nil, time.Now().UTC())
	if err != nil {
		return types.EmbeddingRecord{}, err
	}

	query := `
		INSERT INTO product_embeddings (product_id, embedding, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (product_id) DO UPDATE
		SET embedding = EXCLUDED.embedding, updated_at = EXCLUDED.updated_at
		RETURNING created_at, updated_at`

	err = s.db.QueryRowContext(ctx, query, productID, pgvector.NewVector(rec.Vector), rec.UpdatedAt).
		Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return types.EmbeddingRecord{}, wrapStorage("postgres.upsert", err)
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func (s *PostgresStore) Get(ctx context.Context, productID types.ProductID) (types.EmbeddingRecord, error) {
	query := `
		SELECT product_id, embedding, created_at, updated_at
		FROM product_embeddings
		WHERE product_id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, productID))
	if err == sql.ErrNoRows {
		return types.EmbeddingRecord{}, errs.NotFound("postgres.get", "embedding for product %d", productID)
	}
	if err != nil {
		return types.EmbeddingRecord{}, wrapStorage("postgres.get", err)
	}
	return rec, nil
}

// All pages through the table by product id, so every call starts over from
// the smallest id and no cursor is held across yields.
func (s *PostgresStore) All(ctx context.Context) iter.Seq2[types.EmbeddingRecord, error] {
	query := `
		SELECT product_id, embedding, created_at, updated_at
		FROM product_embeddings
		WHERE product_id > $1
		ORDER BY product_id
		LIMIT $2`

	return func(yield func(types.EmbeddingRecord, error) bool) {
		var after int64 // product ids are positive
		for {
			page, err := s.page(ctx, query, after)
			if err != nil {
				yield(types.EmbeddingRecord{}, wrapStorage("postgres.all", err))
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < allPageSize {
				return
			}
			after = page[len(page)-1].ProductID
		}
	}
}

func (s *PostgresStore) page(ctx context.Context, query string, after int64) ([]types.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, after, allPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []types.EmbeddingRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, rec)
	}
	return page, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, productID types.ProductID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM product_embeddings WHERE product_id = $1`, productID)
	if err != nil {
		return wrapStorage("postgres.delete", err)
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM product_embeddings`).Scan(&n); err != nil {
		return 0, wrapStorage("postgres.count", err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by whoever opened it.
func (s *PostgresStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (types.EmbeddingRecord, error) {
	var (
		rec types.EmbeddingRecord
		vec pgvector.Vector
	)
	if err := row.Scan(&rec.ProductID, &vec, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return types.EmbeddingRecord{}, err
	}
	rec.Vector = vec.Slice()
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

var _ EmbeddingStore = (*PostgresStore)(nil)
