package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Embed is an external resource reference attached to a post.
type Embed struct {
	URL         string
	Subject     string
	Description string
}

// contentHash keys sub-content dedup on byte-identical content regardless of
// which sub-unit delivered it.
func contentHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UpsertEmbed stores an embed, deduplicating identical content per post. A
// re-encounter with a sub-identifier patches only the sub_id; one without
// leaves the existing row untouched.
func (s *Store) UpsertEmbed(ctx context.Context, postID uuid.UUID, subID *string, e Embed) (uuid.UUID, error) {
	hash := contentHash(e.URL, e.Subject, e.Description)
	insert := `
		INSERT INTO post_embeds (id, post_id, sub_id, url, subject, description, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (post_id, content_hash) DO NOTHING
		RETURNING id;
	`
	id := uuid.New()
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, insert, id, postID, subID, e.URL, e.Subject, e.Description, hash).Scan(&got)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("insert embed for post %s: %w", postID, err)
	}

	if subID == nil {
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM post_embeds WHERE post_id = $1 AND content_hash = $2;`,
			postID, hash).Scan(&got)
		if err != nil {
			return uuid.Nil, fmt.Errorf("find embed for post %s: %w", postID, err)
		}
		return got, nil
	}

	update := `
		UPDATE post_embeds SET sub_id = $1
		WHERE post_id = $2 AND content_hash = $3
		RETURNING id;
	`
	err = s.pool.QueryRow(ctx, update, subID, postID, hash).Scan(&got)
	if err != nil {
		return uuid.Nil, fmt.Errorf("patch embed sub_id for post %s: %w", postID, err)
	}
	return got, nil
}

// UpsertExtraContent stores a titled text block, deduplicating identical
// content per post the same way embeds are.
func (s *Store) UpsertExtraContent(ctx context.Context, postID uuid.UUID, subID *string, title, body string) (uuid.UUID, error) {
	hash := contentHash(title, body)
	insert := `
		INSERT INTO post_extra_content (id, post_id, sub_id, title, body, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (post_id, content_hash) DO NOTHING
		RETURNING id;
	`
	id := uuid.New()
	var got uuid.UUID
	err := s.pool.QueryRow(ctx, insert, id, postID, subID, title, body, hash).Scan(&got)
	if err == nil {
		return got, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("insert extra content for post %s: %w", postID, err)
	}

	if subID == nil {
		err = s.pool.QueryRow(ctx,
			`SELECT id FROM post_extra_content WHERE post_id = $1 AND content_hash = $2;`,
			postID, hash).Scan(&got)
		if err != nil {
			return uuid.Nil, fmt.Errorf("find extra content for post %s: %w", postID, err)
		}
		return got, nil
	}

	update := `
		UPDATE post_extra_content SET sub_id = $1
		WHERE post_id = $2 AND content_hash = $3
		RETURNING id;
	`
	err = s.pool.QueryRow(ctx, update, subID, postID, hash).Scan(&got)
	if err != nil {
		return uuid.Nil, fmt.Errorf("patch extra content sub_id for post %s: %w", postID, err)
	}
	return got, nil
}

// MarkSubIDProcessed records that one sub-unit of the post has been fully
// imported. Idempotent.
func (s *Store) MarkSubIDProcessed(ctx context.Context, postID uuid.UUID, subID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processed_sub_ids (post_id, sub_id)
		VALUES ($1, $2)
		ON CONFLICT (post_id, sub_id) DO NOTHING;
	`, postID, subID)
	if err != nil {
		return fmt.Errorf("mark sub id processed %s/%s: %w", postID, subID, err)
	}
	return nil
}

// ProcessedSubIDs returns the set of sub-units already imported for the post.
func (s *Store) ProcessedSubIDs(ctx context.Context, postID uuid.UUID) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT sub_id FROM processed_sub_ids WHERE post_id = $1;`, postID)
	if err != nil {
		return nil, fmt.Errorf("list processed sub ids for post %s: %w", postID, err)
	}
	defer rows.Close()

	processed := make(map[string]bool)
	for rows.Next() {
		var subID string
		if err := rows.Scan(&subID); err != nil {
			return nil, fmt.Errorf("scan processed sub id: %w", err)
		}
		processed[subID] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processed sub ids: %w", err)
	}
	return processed, nil
}

// RemoveSubContent purges one sub-unit's embeds, extra content, and
// processed marker ahead of its re-processing.
func (s *Store) RemoveSubContent(ctx context.Context, postID uuid.UUID, subID string) error {
	steps := []string{
		`DELETE FROM post_embeds WHERE post_id = $1 AND sub_id = $2;`,
		`DELETE FROM post_extra_content WHERE post_id = $1 AND sub_id = $2;`,
		`DELETE FROM processed_sub_ids WHERE post_id = $1 AND sub_id = $2;`,
	}
	for _, q := range steps {
		if _, err := s.pool.Exec(ctx, q, postID, subID); err != nil {
			return fmt.Errorf("remove sub content %s/%s: %w", postID, subID, err)
		}
	}
	return nil
}
