package importer

import "github.com/google/uuid"

// SkipReason enumerates why a post was deliberately left alone.
type SkipReason string

// Skip reasons.
const (
	SkipDNPPost         SkipReason = "dnp-post"
	SkipDNPArtist       SkipReason = "dnp-artist"
	SkipLocked          SkipReason = "locked"
	SkipTier            SkipReason = "tier"
	SkipAlreadyImported SkipReason = "already-imported"
)

// OutcomeKind discriminates Outcome.
type OutcomeKind string

// Outcome kinds.
const (
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeImported OutcomeKind = "imported"
	OutcomeFailed   OutcomeKind = "failed"
)

// Outcome is the explicit per-post result: exactly one of a skip reason, an
// imported post id, or an error is meaningful, selected by Kind.
type Outcome struct {
	Kind   OutcomeKind
	Reason SkipReason
	PostID uuid.UUID
	Err    error
}

// Skipped builds a skip outcome.
func Skipped(reason SkipReason) Outcome {
	return Outcome{Kind: OutcomeSkipped, Reason: reason}
}

// Imported builds a success outcome.
func Imported(postID uuid.UUID) Outcome {
	return Outcome{Kind: OutcomeImported, PostID: postID}
}

// Failed builds a failure outcome.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}
