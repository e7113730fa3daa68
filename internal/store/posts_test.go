package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

func TestInsertPostReReadsOnConflict(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	artistID := uuid.New()
	existing := uuid.New()

	// Insert loses the race: no row comes back, so the existing id is read.
	mock.ExpectQuery("INSERT INTO posts").
		WithArgs(pgxmock.AnyArg(), artistID, "patreon", "p-1", "Title", nil, nil, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT id FROM posts").
		WithArgs(artistID, "p-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(existing))

	id, err := s.InsertPost(context.Background(), artistID, "patreon", "p-1", "Title", nil, nil)
	require.NoError(t, err)
	require.Equal(t, existing, id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindPostIDMatchesOnArtist(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	postID := uuid.New()
	// The join keys on the artist's native id: the same native post id
	// under another artist is a different post.
	mock.ExpectQuery("SELECT p.id FROM posts p").
		WithArgs("patreon", "a-1", "p-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(postID))
	mock.ExpectQuery("SELECT p.id FROM posts p").
		WithArgs("patreon", "a-2", "p-1").
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	id, err := s.FindPostID(context.Background(), "patreon", "a-1", "p-1")
	require.NoError(t, err)
	require.Equal(t, postID, id)

	_, err = s.FindPostID(context.Background(), "patreon", "a-2", "p-1")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsPostFinishedMissingRowIsNotFinished(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	mock.ExpectQuery("SELECT p.finished FROM posts p").
		WithArgs("fanbox", "a-1", "nope").
		WillReturnRows(pgxmock.NewRows([]string{"finished"}))

	finished, err := s.IsPostFinished(context.Background(), "fanbox", "a-1", "nope")
	require.NoError(t, err)
	require.False(t, finished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizePostFlipsFinishedAndClearsFlagTogether(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	postID := uuid.New()
	mock.ExpectExec("UPDATE posts SET finished = TRUE, reimport_flag = FALSE").
		WithArgs(postID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.FinalizePost(context.Background(), postID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgePostForReimportActsOnlyWhenFlagged(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	postID := uuid.New()
	mock.ExpectQuery("SELECT reimport_flag FROM posts").
		WithArgs(postID).
		WillReturnRows(pgxmock.NewRows([]string{"reimport_flag"}).AddRow(false))

	acted, paths, err := s.PurgePostForReimport(context.Background(), postID)
	require.NoError(t, err)
	require.False(t, acted)
	require.Empty(t, paths)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgePostForReimportDeletesDerivedContent(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	postID := uuid.New()
	preview := "previews/a.jpg"
	mock.ExpectQuery("SELECT reimport_flag FROM posts").
		WithArgs(postID).
		WillReturnRows(pgxmock.NewRows([]string{"reimport_flag"}).AddRow(true))
	mock.ExpectQuery("SELECT blob_path, preview_path FROM post_files").
		WithArgs(postID).
		WillReturnRows(pgxmock.
			NewRows([]string{"blob_path", "preview_path"}).
			AddRow("files/a.bin", &preview).
			AddRow("files/b.bin", (*string)(nil)))
	mock.ExpectExec("DELETE FROM post_files").
		WithArgs(postID).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("DELETE FROM post_embeds").
		WithArgs(postID).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("DELETE FROM post_extra_content").
		WithArgs(postID).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec("DELETE FROM processed_sub_ids").
		WithArgs(postID).WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec("UPDATE posts SET finished = FALSE").
		WithArgs(postID).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	acted, paths, err := s.PurgePostForReimport(context.Background(), postID)
	require.NoError(t, err)
	require.True(t, acted)
	require.Equal(t, []string{"files/a.bin", preview, "files/b.bin"}, paths)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostDNP(t *testing.T) {
	t.Parallel()
	s, mock := mockStore(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("fantia", "p-9").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	banned, err := s.PostDNP(context.Background(), "fantia", "p-9")
	require.NoError(t, err)
	require.True(t, banned)
	require.NoError(t, mock.ExpectationsWereMet())
}
