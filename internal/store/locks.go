package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LockHandle identifies one held post-import lock row. Only the holder that
// inserted the row carries a handle, so only the holder can release it.
type LockHandle struct {
	ID             uuid.UUID
	Service        string
	ArtistNativeID string
	PostNativeID   string
}

// AcquireLock claims the per-post import lock by inserting its row. On
// contention (the row already exists) it returns (nil, nil): a skip, not a
// failure.
func (s *Store) AcquireLock(ctx context.Context, service, artistNativeID, postNativeID string) (*LockHandle, error) {
	query := `
		INSERT INTO import_locks (id, service, artist_native_id, post_native_id, locked_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service, artist_native_id, post_native_id) DO NOTHING
		RETURNING id;
	`
	id := uuid.New()
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, query, id, service, artistNativeID, postNativeID, time.Now().UTC()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s/%s/%s: %w", service, artistNativeID, postNativeID, err)
	}
	return &LockHandle{
		ID:             got,
		Service:        service,
		ArtistNativeID: artistNativeID,
		PostNativeID:   postNativeID,
	}, nil
}

// ReleaseLock deletes the holder's lock row. Callers treat failures as
// log-and-continue; a leaked row is reclaimed by the startup sweep.
func (s *Store) ReleaseLock(ctx context.Context, handle *LockHandle) error {
	if handle == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM import_locks WHERE id = $1;`, handle.ID)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", handle.ID, err)
	}
	return nil
}

// ClearLockTable drops every lock row. Single-node deployment: any row
// present at process start belongs to a dead run.
func (s *Store) ClearLockTable(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM import_locks;`); err != nil {
		return fmt.Errorf("clear lock table: %w", err)
	}
	return nil
}

// AcquireCredentialSlot registers a run in the ongoing-imports registry,
// keyed by the credential's plaintext hash. A second run with the same
// credential finds the row present and gets (false, nil). The stored
// ciphertext lets a restarted process resume the run.
func (s *Store) AcquireCredentialSlot(
	ctx context.Context,
	credHash, service, ciphertext string,
	runID uuid.UUID,
	accountID *string,
) (bool, error) {
	query := `
		INSERT INTO ongoing_imports (cred_hash, service, ciphertext, run_id, account_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cred_hash) DO NOTHING
		RETURNING cred_hash;
	`
	var got string
	err := s.pool.QueryRow(ctx, query, credHash, service, ciphertext, runID, accountID, time.Now().UTC()).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("acquire credential slot: %w", err)
	}
	return true, nil
}

// ReleaseCredentialSlot removes a run's registry row once the run ends.
func (s *Store) ReleaseCredentialSlot(ctx context.Context, credHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM ongoing_imports WHERE cred_hash = $1;`, credHash)
	if err != nil {
		return fmt.Errorf("release credential slot: %w", err)
	}
	return nil
}

// ListOngoingImports returns every registry row, oldest first, for boot-time
// resume.
func (s *Store) ListOngoingImports(ctx context.Context) ([]OngoingImport, error) {
	query := `
		SELECT cred_hash, service, ciphertext, run_id, account_id, started_at
		FROM ongoing_imports
		ORDER BY started_at ASC;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list ongoing imports: %w", err)
	}
	defer rows.Close()

	var imports []OngoingImport
	for rows.Next() {
		var oi OngoingImport
		if err := rows.Scan(&oi.CredHash, &oi.Service, &oi.Ciphertext, &oi.RunID, &oi.AccountID, &oi.StartedAt); err != nil {
			return nil, fmt.Errorf("scan ongoing import row: %w", err)
		}
		imports = append(imports, oi)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ongoing imports: %w", err)
	}
	return imports, nil
}
