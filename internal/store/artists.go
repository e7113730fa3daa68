package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const artistColumns = `id, service, native_id, display_name, handle,
	banner_path, icon_path, banner_retries, icon_retries, last_indexed`

// UpsertArtist inserts the artist if it is new, otherwise re-reads the
// existing row. Display name and handle are refreshed on conflict since
// artists rename themselves between runs.
func (s *Store) UpsertArtist(ctx context.Context, service, nativeID, displayName, handle string) (Artist, error) {
	insert := `
		INSERT INTO artists (id, service, native_id, display_name, handle)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (service, native_id) DO NOTHING
		RETURNING ` + artistColumns + `;
	`
	var a Artist
	err := s.pool.QueryRow(ctx, insert, uuid.New(), service, nativeID, displayName, handle).Scan(
		&a.ID, &a.Service, &a.NativeID, &a.DisplayName, &a.Handle,
		&a.BannerPath, &a.IconPath, &a.BannerRetries, &a.IconRetries, &a.LastIndexed,
	)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Artist{}, fmt.Errorf("insert artist %s/%s: %w", service, nativeID, err)
	}

	// Lost the insert race (or the row predates this run): refresh the
	// mutable fields and read the winner back.
	update := `
		UPDATE artists SET display_name = $1, handle = $2
		WHERE service = $3 AND native_id = $4
		RETURNING ` + artistColumns + `;
	`
	err = s.pool.QueryRow(ctx, update, displayName, handle, service, nativeID).Scan(
		&a.ID, &a.Service, &a.NativeID, &a.DisplayName, &a.Handle,
		&a.BannerPath, &a.IconPath, &a.BannerRetries, &a.IconRetries, &a.LastIndexed,
	)
	if err != nil {
		return Artist{}, fmt.Errorf("re-read artist %s/%s: %w", service, nativeID, err)
	}
	return a, nil
}

// FinalizeArtist stamps last_indexed. Called once per artist per run, after
// the run has processed every page.
func (s *Store) FinalizeArtist(ctx context.Context, artistID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE artists SET last_indexed = $1 WHERE id = $2;`,
		time.Now().UTC(), artistID)
	if err != nil {
		return fmt.Errorf("finalize artist %s: %w", artistID, err)
	}
	return nil
}

// TouchArtistLastPostImported bumps the artist's newest-import stamp.
func (s *Store) TouchArtistLastPostImported(ctx context.Context, artistID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE artists SET last_post_imported = $1 WHERE id = $2;`,
		time.Now().UTC(), artistID)
	if err != nil {
		return fmt.Errorf("touch artist %s: %w", artistID, err)
	}
	return nil
}

// SetArtistBanner records the stored banner's blob path.
func (s *Store) SetArtistBanner(ctx context.Context, artistID uuid.UUID, path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE artists SET banner_path = $1 WHERE id = $2;`, path, artistID)
	if err != nil {
		return fmt.Errorf("set artist banner %s: %w", artistID, err)
	}
	return nil
}

// SetArtistIcon records the stored icon's blob path.
func (s *Store) SetArtistIcon(ctx context.Context, artistID uuid.UUID, path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE artists SET icon_path = $1 WHERE id = $2;`, path, artistID)
	if err != nil {
		return fmt.Errorf("set artist icon %s: %w", artistID, err)
	}
	return nil
}

// DecrementBannerRetries burns one banner-fetch attempt. The budget only
// counts down; nothing restores it.
func (s *Store) DecrementBannerRetries(ctx context.Context, artistID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE artists SET banner_retries = banner_retries - 1
		 WHERE id = $1 AND banner_retries > 0;`, artistID)
	if err != nil {
		return fmt.Errorf("decrement banner retries %s: %w", artistID, err)
	}
	return nil
}

// DecrementIconRetries burns one icon-fetch attempt.
func (s *Store) DecrementIconRetries(ctx context.Context, artistID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE artists SET icon_retries = icon_retries - 1
		 WHERE id = $1 AND icon_retries > 0;`, artistID)
	if err != nil {
		return fmt.Errorf("decrement icon retries %s: %w", artistID, err)
	}
	return nil
}

// ArtistDNP reports whether the artist is on the do-not-post list.
func (s *Store) ArtistDNP(ctx context.Context, service, nativeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM artist_dnp WHERE service = $1 AND native_id = $2);`,
		service, nativeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check artist dnp %s/%s: %w", service, nativeID, err)
	}
	return exists, nil
}
