package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FindPostID resolves a post's row id from its full service identity.
// Native post ids are only unique per artist, so the artist is part of the
// key.
func (s *Store) FindPostID(ctx context.Context, service, artistNativeID, postNativeID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		SELECT p.id FROM posts p
		JOIN artists a ON a.id = p.artist_id
		WHERE p.service = $1 AND a.native_id = $2 AND p.native_id = $3;
	`, service, artistNativeID, postNativeID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("find post %s/%s/%s: %w", service, artistNativeID, postNativeID, err)
	}
	return id, nil
}

// IsPostFinished reports whether the post exists and has been fully imported.
// A missing post is simply not finished.
func (s *Store) IsPostFinished(ctx context.Context, service, artistNativeID, postNativeID string) (bool, error) {
	var finished bool
	err := s.pool.QueryRow(ctx, `
		SELECT p.finished FROM posts p
		JOIN artists a ON a.id = p.artist_id
		WHERE p.service = $1 AND a.native_id = $2 AND p.native_id = $3;
	`, service, artistNativeID, postNativeID).Scan(&finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check post finished %s/%s/%s: %w", service, artistNativeID, postNativeID, err)
	}
	return finished, nil
}

// InsertPost writes the not-yet-finished post shell, or re-reads the existing
// row id when another run got there first. The shell stays invisible to
// readers until FinalizePost flips finished.
func (s *Store) InsertPost(
	ctx context.Context,
	artistID uuid.UUID,
	service, nativeID, title string,
	publishedAt, updatedAt *time.Time,
) (uuid.UUID, error) {
	insert := `
		INSERT INTO posts (id, artist_id, service, native_id, title, published_at, updated_at, added_at, finished)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (artist_id, native_id) DO NOTHING
		RETURNING id;
	`
	id := uuid.New()
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, insert,
		id, artistID, service, nativeID, title, publishedAt, updatedAt, time.Now().UTC()).Scan(&got)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("insert post %s/%s: %w", service, nativeID, err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id FROM posts WHERE artist_id = $1 AND native_id = $2;`,
		artistID, nativeID).Scan(&got)
	if err != nil {
		return uuid.Nil, fmt.Errorf("re-read post %s/%s: %w", service, nativeID, err)
	}
	return got, nil
}

// UpdatePost refreshes mutable metadata on reimport.
func (s *Store) UpdatePost(ctx context.Context, postID uuid.UUID, title string, publishedAt, updatedAt *time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE posts SET title = $1, published_at = $2, updated_at = $3, added_at = $4 WHERE id = $5;`,
		title, publishedAt, updatedAt, time.Now().UTC(), postID)
	if err != nil {
		return fmt.Errorf("update post %s: %w", postID, err)
	}
	return nil
}

// SetPostContent stores the post body with inline placeholder tokens already
// substituted for stored file references.
func (s *Store) SetPostContent(ctx context.Context, postID uuid.UUID, content string) error {
	_, err := s.pool.Exec(ctx, `UPDATE posts SET content = $1 WHERE id = $2;`, content, postID)
	if err != nil {
		return fmt.Errorf("set post content %s: %w", postID, err)
	}
	return nil
}

// SetPostThumbnail records the post thumbnail's blob path.
func (s *Store) SetPostThumbnail(ctx context.Context, postID uuid.UUID, path string) error {
	_, err := s.pool.Exec(ctx, `UPDATE posts SET thumbnail_path = $1 WHERE id = $2;`, path, postID)
	if err != nil {
		return fmt.Errorf("set post thumbnail %s: %w", postID, err)
	}
	return nil
}

// FinalizePost flips finished and clears the reimport flag in one statement,
// making the post visible and the completed reimport unrepeatable together.
func (s *Store) FinalizePost(ctx context.Context, postID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE posts SET finished = TRUE, reimport_flag = FALSE WHERE id = $1;`, postID)
	if err != nil {
		return fmt.Errorf("finalize post %s: %w", postID, err)
	}
	return nil
}

// FlagPostForReimport marks an existing post for a forced re-run.
func (s *Store) FlagPostForReimport(ctx context.Context, postID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE posts SET reimport_flag = TRUE WHERE id = $1;`, postID)
	if err != nil {
		return fmt.Errorf("flag post for reimport %s: %w", postID, err)
	}
	return nil
}

// PurgePostForReimport clears a flagged post's derived content so the
// reimport starts clean: files, embeds, extra content, the processed sub-id
// registry, the thumbnail, and the finished bit. The flag is checked, not
// assumed; an unflagged post is left untouched and acted=false. Returned blob
// paths let the caller delete the orphaned objects.
func (s *Store) PurgePostForReimport(ctx context.Context, postID uuid.UUID) (acted bool, blobPaths []string, err error) {
	var flagged bool
	err = s.pool.QueryRow(ctx,
		`SELECT reimport_flag FROM posts WHERE id = $1;`, postID).Scan(&flagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil, ErrNotFound
	}
	if err != nil {
		return false, nil, fmt.Errorf("read reimport flag %s: %w", postID, err)
	}
	if !flagged {
		return false, nil, nil
	}

	blobPaths, err = s.ListFilePaths(ctx, postID)
	if err != nil {
		return false, nil, err
	}

	steps := []string{
		`DELETE FROM post_files WHERE post_id = $1;`,
		`DELETE FROM post_embeds WHERE post_id = $1;`,
		`DELETE FROM post_extra_content WHERE post_id = $1;`,
		`DELETE FROM processed_sub_ids WHERE post_id = $1;`,
		`UPDATE posts SET finished = FALSE, thumbnail_path = NULL, content = NULL WHERE id = $1;`,
	}
	for _, q := range steps {
		if _, err := s.pool.Exec(ctx, q, postID); err != nil {
			return false, nil, fmt.Errorf("purge post %s: %w", postID, err)
		}
	}
	return true, blobPaths, nil
}

// PostDNP reports whether the post is on the do-not-post list.
func (s *Store) PostDNP(ctx context.Context, service, nativeID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM post_dnp WHERE service = $1 AND native_id = $2);`,
		service, nativeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check post dnp %s/%s: %w", service, nativeID, err)
	}
	return exists, nil
}
