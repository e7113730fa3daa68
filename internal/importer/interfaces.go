package importer

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ThatOneAnimeGuy/seiso/internal/fetch"
	"github.com/ThatOneAnimeGuy/seiso/internal/store"
)

// FeedSource lists one service's feed, page by page. An empty cursor means
// the first page.
type FeedSource interface {
	Service() string
	ListPage(ctx context.Context, cursor string, cred Credential) (Page, error)
}

// Fetcher stages remote files in scratch storage.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts fetch.Options) (*fetch.File, error)
	Sweep(resourceID string)
}

// Store is the persistence surface the engine consumes.
type Store interface {
	// Locks and the ongoing-import registry.
	AcquireLock(ctx context.Context, service, artistNativeID, postNativeID string) (*store.LockHandle, error)
	ReleaseLock(ctx context.Context, handle *store.LockHandle) error
	ClearLockTable(ctx context.Context) error
	AcquireCredentialSlot(ctx context.Context, credHash, service, ciphertext string, runID uuid.UUID, accountID *string) (bool, error)
	ReleaseCredentialSlot(ctx context.Context, credHash string) error
	ListOngoingImports(ctx context.Context) ([]store.OngoingImport, error)

	// Artists.
	UpsertArtist(ctx context.Context, service, nativeID, displayName, handle string) (store.Artist, error)
	FinalizeArtist(ctx context.Context, artistID uuid.UUID) error
	TouchArtistLastPostImported(ctx context.Context, artistID uuid.UUID) error
	SetArtistBanner(ctx context.Context, artistID uuid.UUID, path string) error
	SetArtistIcon(ctx context.Context, artistID uuid.UUID, path string) error
	DecrementBannerRetries(ctx context.Context, artistID uuid.UUID) error
	DecrementIconRetries(ctx context.Context, artistID uuid.UUID) error
	ArtistDNP(ctx context.Context, service, nativeID string) (bool, error)

	// Posts.
	FindPostID(ctx context.Context, service, artistNativeID, postNativeID string) (uuid.UUID, error)
	IsPostFinished(ctx context.Context, service, artistNativeID, postNativeID string) (bool, error)
	InsertPost(ctx context.Context, artistID uuid.UUID, service, nativeID, title string, publishedAt, updatedAt *time.Time) (uuid.UUID, error)
	UpdatePost(ctx context.Context, postID uuid.UUID, title string, publishedAt, updatedAt *time.Time) error
	SetPostContent(ctx context.Context, postID uuid.UUID, content string) error
	SetPostThumbnail(ctx context.Context, postID uuid.UUID, path string) error
	FinalizePost(ctx context.Context, postID uuid.UUID) error
	PurgePostForReimport(ctx context.Context, postID uuid.UUID) (bool, []string, error)
	PostDNP(ctx context.Context, service, nativeID string) (bool, error)

	// Sub-content.
	UpsertEmbed(ctx context.Context, postID uuid.UUID, subID *string, e store.Embed) (uuid.UUID, error)
	UpsertExtraContent(ctx context.Context, postID uuid.UUID, subID *string, title, body string) (uuid.UUID, error)
	MarkSubIDProcessed(ctx context.Context, postID uuid.UUID, subID string) error
	ProcessedSubIDs(ctx context.Context, postID uuid.UUID) (map[string]bool, error)
	RemoveSubContent(ctx context.Context, postID uuid.UUID, subID string) error

	// Files.
	InsertFile(ctx context.Context, f store.PostFile) (uuid.UUID, bool, error)
	MarkFileUploadFinished(ctx context.Context, fileID uuid.UUID) error
	SetFilePreview(ctx context.Context, fileID uuid.UUID, path string) error
	DeleteUnfinishedFiles(ctx context.Context, postID uuid.UUID) ([]string, error)

	// Accounts and stored credentials.
	MarkAccountSubscribed(ctx context.Context, accountID string, artistIDs []uuid.UUID) error
	DecrementCredentialRetries(ctx context.Context, credID uuid.UUID) error
}
