// Package store provides Postgres-backed persistence for the import
// pipeline: artists, posts, files, sub-content, row locks, and stored
// credentials. All write paths are idempotent; upserts rely on unique
// constraints plus re-read-on-conflict rather than run-wide transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store bundles every repository over one shared pool.
type Store struct {
	pool dbPool
}

// New connects to Postgres and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
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
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Artist models one row of the artists table.
type Artist struct {
	ID            uuid.UUID
	Service       string
	NativeID      string
	DisplayName   string
	Handle        string
	BannerPath    *string
	IconPath      *string
	BannerRetries int
	IconRetries   int
	LastIndexed   *time.Time
}

// Post models one row of the posts table.
type Post struct {
	ID            uuid.UUID
	ArtistID      uuid.UUID
	Service       string
	NativeID      string
	Title         string
	Content       *string
	ThumbnailPath *string
	PublishedAt   *time.Time
	UpdatedAt     *time.Time
	AddedAt       time.Time
	Finished      bool
	ReimportFlag  bool
}

// PostFile models one row of the post_files table.
type PostFile struct {
	ID             uuid.UUID
	PostID         uuid.UUID
	SubID          *string
	Name           string
	BlobPath       string
	PreviewPath    *string
	MimeType       string
	Extension      string
	SHA256         string
	Size           int64
	Inline         bool
	UploadFinished bool
}

// StoredCredential models one row of the auto_import_credentials table.
type StoredCredential struct {
	ID            uuid.UUID
	AccountID     string
	Service       string
	Ciphertext    string
	PlaintextHash string
	Retries       int
	LastRunAt     *time.Time
}

// OngoingImport models one row of the ongoing_imports registry.
type OngoingImport struct {
	CredHash   string
	Service    string
	Ciphertext string
	RunID      uuid.UUID
	AccountID  *string
	StartedAt  time.Time
}
