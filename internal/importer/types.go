// Package importer drives paginated feed ingestion: one run walks a feed
// page by page, imports each post idempotently, and finalizes the artists it
// touched.
package importer

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned by feed sources when the service rejects the
// supplied credential. On the first page it ends the run as an auth failure.
var ErrUnauthorized = errors.New("feed rejected credential")

// Credential is a plaintext session key for one service, optionally tied to
// a known account.
type Credential struct {
	Service    string
	SessionKey string
	AccountID  *string
}

// RemoteFile points at downloadable bytes attached to a post.
type RemoteFile struct {
	URL  string
	Name string
}

// EmbedRef is an external resource reference inside a post.
type EmbedRef struct {
	URL         string
	Subject     string
	Description string
}

// BlockKind discriminates ContentBlock payloads.
type BlockKind string

// Content block kinds.
const (
	BlockFiles BlockKind = "files"
	BlockEmbed BlockKind = "embed"
	BlockText  BlockKind = "text"
)

// ContentBlock is one sub-unit of a post. SubID is empty for services whose
// posts are monolithic; when present it keys the incremental-progress
// registry.
type ContentBlock struct {
	SubID string
	Kind  BlockKind
	Files []RemoteFile
	Embed EmbedRef
	Title string
	Text  string
}

// FeedPost is the normalized shape every feed source produces.
type FeedPost struct {
	ArtistNativeID    string
	ArtistDisplayName string
	ArtistHandle      string
	ArtistBannerURL   string
	ArtistIconURL     string

	PostNativeID string
	Title        string
	// Content may carry inline placeholder tokens, one per inline file.
	Content      string
	ThumbnailURL string
	PublishedAt  *time.Time
	UpdatedAt    *time.Time

	// Locked means the credential's tier cannot see the post body.
	Locked bool

	InlineFiles []RemoteFile
	Blocks      []ContentBlock
}

// Page is one slice of a feed. An empty Next cursor ends the run.
type Page struct {
	Posts []FeedPost
	Next  string
}

// RunStatus is the exit status of one run.
type RunStatus string

// Run exit statuses.
const (
	StatusSuccess     RunStatus = "success"
	StatusAuthFailure RunStatus = "auth-failure"
	StatusError       RunStatus = "error"
	StatusDuplicate   RunStatus = "duplicate"
)

// RunRequest starts one import run.
type RunRequest struct {
	Credential Credential
	// RunID is assigned when zero.
	RunID uuid.UUID
	// StoredCredentialID is set for scheduler-originated runs so an auth
	// failure can burn one of the stored credential's retries.
	StoredCredentialID *uuid.UUID
}

// RunResult summarizes one finished run.
type RunResult struct {
	RunID    uuid.UUID
	Status   RunStatus
	Imported int
	Skipped  int
	Failed   int
	Err      error
}
