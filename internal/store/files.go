package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// FindFileByHash looks up a post's file by content hash, reporting whether
// its blob upload completed.
func (s *Store) FindFileByHash(ctx context.Context, postID uuid.UUID, sha256 string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	var uploadFinished bool
	err := s.pool.QueryRow(ctx,
		`SELECT id, upload_finished FROM post_files WHERE post_id = $1 AND sha256 = $2;`,
		postID, sha256).Scan(&id, &uploadFinished)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, ErrNotFound
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("find file by hash: %w", err)
	}
	return id, uploadFinished, nil
}

// InsertFile records a staged file, deduplicating on (post_id, sha256). When
// identical bytes were already recorded, only the sub_id is patched. The
// returned bool reports whether the row's blob upload already completed: an
// existing row whose earlier upload failed still needs its bytes pushed.
func (s *Store) InsertFile(ctx context.Context, f PostFile) (uuid.UUID, bool, error) {
	insert := `
		INSERT INTO post_files (id, post_id, sub_id, name, blob_path, mime_type, extension, sha256, size, inline, upload_finished)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		ON CONFLICT (post_id, sha256) DO NOTHING
		RETURNING id;
	`
	id := uuid.New()
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, insert,
		id, f.PostID, f.SubID, f.Name, f.BlobPath, f.MimeType, f.Extension, f.SHA256, f.Size, f.Inline).Scan(&got)
	if err == nil {
		return got, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, fmt.Errorf("insert file for post %s: %w", f.PostID, err)
	}

	existing, uploadFinished, err := s.FindFileByHash(ctx, f.PostID, f.SHA256)
	if err != nil {
		return uuid.Nil, false, err
	}
	if f.SubID != nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE post_files SET sub_id = $1 WHERE id = $2;`, f.SubID, existing)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("patch file sub_id %s: %w", existing, err)
		}
	}
	return existing, uploadFinished, nil
}

// MarkFileUploadFinished flips the row's upload bit after the blob write
// succeeded. Rows left unfinished are purged at post finalize.
func (s *Store) MarkFileUploadFinished(ctx context.Context, fileID uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE post_files SET upload_finished = TRUE WHERE id = $1;`, fileID)
	if err != nil {
		return fmt.Errorf("mark file upload finished %s: %w", fileID, err)
	}
	return nil
}

// SetFilePreview records the preview's blob path.
func (s *Store) SetFilePreview(ctx context.Context, fileID uuid.UUID, path string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE post_files SET preview_path = $1 WHERE id = $2;`, path, fileID)
	if err != nil {
		return fmt.Errorf("set file preview %s: %w", fileID, err)
	}
	return nil
}

// DeleteUnfinishedFiles drops rows whose blob upload never completed and
// returns their blob paths for best-effort object cleanup.
func (s *Store) DeleteUnfinishedFiles(ctx context.Context, postID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM post_files WHERE post_id = $1 AND upload_finished = FALSE RETURNING blob_path;`,
		postID)
	if err != nil {
		return nil, fmt.Errorf("delete unfinished files for post %s: %w", postID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan unfinished file path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unfinished files: %w", err)
	}
	return paths, nil
}

// ListFilePaths returns every blob path recorded for the post, previews
// included.
func (s *Store) ListFilePaths(ctx context.Context, postID uuid.UUID) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT blob_path, preview_path FROM post_files WHERE post_id = $1;`, postID)
	if err != nil {
		return nil, fmt.Errorf("list file paths for post %s: %w", postID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var blob string
		var preview *string
		if err := rows.Scan(&blob, &preview); err != nil {
			return nil, fmt.Errorf("scan file path row: %w", err)
		}
		paths = append(paths, blob)
		if preview != nil {
			paths = append(paths, *preview)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file paths: %w", err)
	}
	return paths, nil
}
