package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const credentialColumns = `id, account_id, service, ciphertext, plaintext_hash, retries_remaining, last_run_at`

// SaveAutoImportCredential stores an RSA-sealed credential for scheduled
// runs. When the account already has one for the service, the row is
// replaced only if the plaintext hash changed; a changed credential gets its
// retry budget back, an unchanged one keeps whatever is left.
func (s *Store) SaveAutoImportCredential(ctx context.Context, accountID, service, ciphertext, plaintextHash string) error {
	query := `
		INSERT INTO auto_import_credentials (id, account_id, service, ciphertext, plaintext_hash, retries_remaining)
		VALUES ($1, $2, $3, $4, $5, 2)
		ON CONFLICT (account_id, service) DO UPDATE
		SET ciphertext = EXCLUDED.ciphertext,
		    plaintext_hash = EXCLUDED.plaintext_hash,
		    retries_remaining = EXCLUDED.retries_remaining
		WHERE auto_import_credentials.plaintext_hash <> EXCLUDED.plaintext_hash;
	`
	_, err := s.pool.Exec(ctx, query, uuid.New(), accountID, service, ciphertext, plaintextHash)
	if err != nil {
		return fmt.Errorf("save auto-import credential %s/%s: %w", accountID, service, err)
	}
	return nil
}

// DueAutoImportCredentials returns credentials with retries left whose last
// run is older than the cooldown (or that never ran), oldest first.
func (s *Store) DueAutoImportCredentials(ctx context.Context, cooldown time.Duration) ([]StoredCredential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM auto_import_credentials
		WHERE retries_remaining > 0
		  AND (last_run_at IS NULL OR last_run_at < $1)
		ORDER BY last_run_at ASC NULLS FIRST;
	`
	cutoff := time.Now().UTC().Add(-cooldown)
	rows, err := s.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list due credentials: %w", err)
	}
	defer rows.Close()

	var creds []StoredCredential
	for rows.Next() {
		var c StoredCredential
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Service, &c.Ciphertext, &c.PlaintextHash, &c.Retries, &c.LastRunAt); err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due credentials: %w", err)
	}
	return creds, nil
}

// MarkCredentialRun stamps last_run_at so the cooldown starts now.
func (s *Store) MarkCredentialRun(ctx context.Context, credID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE auto_import_credentials SET last_run_at = $1 WHERE id = $2;`,
		time.Now().UTC(), credID)
	if err != nil {
		return fmt.Errorf("mark credential run %s: %w", credID, err)
	}
	return nil
}

// DecrementCredentialRetries burns one scheduled-run attempt after an auth
// failure. At zero the credential stops being selected.
func (s *Store) DecrementCredentialRetries(ctx context.Context, credID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE auto_import_credentials
		SET retries_remaining = retries_remaining - 1
		WHERE id = $1 AND retries_remaining > 0;
	`, credID)
	if err != nil {
		return fmt.Errorf("decrement credential retries %s: %w", credID, err)
	}
	return nil
}

// DeleteCredential discards a stored credential, typically after its
// ciphertext failed to decrypt.
func (s *Store) DeleteCredential(ctx context.Context, credID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM auto_import_credentials WHERE id = $1;`, credID)
	if err != nil {
		return fmt.Errorf("delete credential %s: %w", credID, err)
	}
	return nil
}

// FindCredentialByAccount loads the stored credential for an account/service
// pair.
func (s *Store) FindCredentialByAccount(ctx context.Context, accountID, service string) (StoredCredential, error) {
	query := `
		SELECT ` + credentialColumns + `
		FROM auto_import_credentials
		WHERE account_id = $1 AND service = $2;
	`
	var c StoredCredential
	err := s.pool.QueryRow(ctx, query, accountID, service).Scan(
		&c.ID, &c.AccountID, &c.Service, &c.Ciphertext, &c.PlaintextHash, &c.Retries, &c.LastRunAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredCredential{}, ErrNotFound
	}
	if err != nil {
		return StoredCredential{}, fmt.Errorf("find credential %s/%s: %w", accountID, service, err)
	}
	return c, nil
}

// MarkAccountSubscribed links an account to the artists a run imported from.
// Idempotent; called once per run.
func (s *Store) MarkAccountSubscribed(ctx context.Context, accountID string, artistIDs []uuid.UUID) error {
	for _, artistID := range artistIDs {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO account_subscriptions (account_id, artist_id)
			VALUES ($1, $2)
			ON CONFLICT (account_id, artist_id) DO NOTHING;
		`, accountID, artistID)
		if err != nil {
			return fmt.Errorf("mark account %s subscribed to %s: %w", accountID, artistID, err)
		}
	}
	return nil
}
