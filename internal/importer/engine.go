package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/blob"
	"github.com/ThatOneAnimeGuy/seiso/internal/cache"
	"github.com/ThatOneAnimeGuy/seiso/internal/events"
	"github.com/ThatOneAnimeGuy/seiso/internal/fetch"
	"github.com/ThatOneAnimeGuy/seiso/internal/media"
	"github.com/ThatOneAnimeGuy/seiso/internal/metrics"
	"github.com/ThatOneAnimeGuy/seiso/internal/runlog"
	"github.com/ThatOneAnimeGuy/seiso/internal/store"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

// InlinePlaceholder is the token feed sources leave in post content where an
// inline file belongs. Tokens are substituted in order with stored blob
// paths; the count must match the inline file list exactly.
const InlinePlaceholder = "{{inline}}"

// Deps wires the engine's collaborators.
type Deps struct {
	Store  Store
	Fetch  Fetcher
	Blob   blob.Store
	Media  media.Transform
	Vault  *vault.Vault
	RunLog *runlog.Logger
	Events events.Publisher
	Cache  cache.Invalidator
	Logger *zap.Logger
}

// Engine runs imports. One Engine serves every registered service; runs are
// independent and may execute concurrently.
type Engine struct {
	deps    Deps
	sources map[string]FeedSource
}

// NewEngine builds an Engine. Nil optional collaborators get no-op
// implementations.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Fetch == nil || deps.Blob == nil || deps.Vault == nil {
		return nil, fmt.Errorf("store, fetch, blob, and vault are required")
	}
	if deps.Media == nil {
		deps.Media = media.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.NewMemory()
	}
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.RunLog == nil {
		deps.RunLog = runlog.New(deps.Logger)
	}
	return &Engine{deps: deps, sources: make(map[string]FeedSource)}, nil
}

// RegisterSource adds a feed source. The last registration for a service
// wins.
func (e *Engine) RegisterSource(src FeedSource) {
	e.sources[src.Service()] = src
}

// Run executes one import run to completion. Contention on the credential
// (an identical run already in flight) is a duplicate, not an error.
func (e *Engine) Run(ctx context.Context, req RunRequest) RunResult {
	runID := req.RunID
	if runID == uuid.Nil {
		runID = uuid.New()
	}
	res := RunResult{RunID: runID}
	service := req.Credential.Service
	rl := e.deps.RunLog

	source, ok := e.sources[service]
	if !ok {
		res.Status = StatusError
		res.Err = fmt.Errorf("no feed source registered for service %q", service)
		rl.Log(runID.String(), res.Err.Error(), runlog.Error, true)
		metrics.ObserveRun(service, string(StatusError))
		return res
	}

	credHash := vault.HashKey(req.Credential.SessionKey)
	ciphertext, err := e.deps.Vault.Seal(req.Credential.SessionKey)
	if err != nil {
		res.Status = StatusError
		res.Err = fmt.Errorf("seal credential: %w", err)
		metrics.ObserveRun(service, string(StatusError))
		return res
	}

	acquired, err := e.deps.Store.AcquireCredentialSlot(ctx, credHash, service, ciphertext, runID, req.Credential.AccountID)
	if err != nil {
		res.Status = StatusError
		res.Err = err
		metrics.ObserveRun(service, string(StatusError))
		return res
	}
	if !acquired {
		rl.Log(runID.String(), "an import with this credential is already running", runlog.Warn, true)
		res.Status = StatusDuplicate
		metrics.ObserveRun(service, string(StatusDuplicate))
		return res
	}
	defer func() {
		if err := e.deps.Store.ReleaseCredentialSlot(context.WithoutCancel(ctx), credHash); err != nil {
			e.deps.Logger.Error("release credential slot", zap.String("run_id", runID.String()), zap.Error(err))
		}
		rl.Log(runID.String(), fmt.Sprintf("run finished: %s", res.Status), runlog.Info, true)
	}()

	rl.Log(runID.String(), fmt.Sprintf("starting %s import", service), runlog.Info, true)

	artistIDs := make(map[uuid.UUID]bool)
	cursor := ""
	firstPage := true
	for {
		page, err := source.ListPage(ctx, cursor, req.Credential)
		if err != nil {
			if firstPage && errors.Is(err, ErrUnauthorized) {
				rl.Log(runID.String(), "credential rejected by service", runlog.Error, true)
				if req.StoredCredentialID != nil {
					if derr := e.deps.Store.DecrementCredentialRetries(ctx, *req.StoredCredentialID); derr != nil {
						e.deps.Logger.Error("decrement credential retries", zap.Error(derr))
					}
				}
				res.Status = StatusAuthFailure
			} else {
				rl.Log(runID.String(), fmt.Sprintf("page fetch failed: %v", err), runlog.Error, true)
				res.Status = StatusError
			}
			res.Err = err
			metrics.ObserveRun(service, string(res.Status))
			return res
		}
		firstPage = false

		for i := range page.Posts {
			outcome := e.importPost(ctx, runID, req.Credential, &page.Posts[i], artistIDs)
			metrics.ObservePost(service, string(outcome.Kind))
			switch outcome.Kind {
			case OutcomeImported:
				res.Imported++
			case OutcomeSkipped:
				res.Skipped++
				rl.Log(runID.String(),
					fmt.Sprintf("skipped post %s (%s)", page.Posts[i].PostNativeID, outcome.Reason),
					runlog.Info, true)
			case OutcomeFailed:
				res.Failed++
				rl.Log(runID.String(),
					fmt.Sprintf("post %s failed: %v", page.Posts[i].PostNativeID, outcome.Err),
					runlog.Error, true)
			}
		}

		if page.Next == "" {
			break
		}
		cursor = page.Next
	}

	for artistID := range artistIDs {
		if err := e.deps.Store.FinalizeArtist(ctx, artistID); err != nil {
			e.deps.Logger.Error("finalize artist", zap.String("artist_id", artistID.String()), zap.Error(err))
		}
		e.deps.Cache.InvalidArtist(ctx, artistID)
	}
	if req.Credential.AccountID != nil && len(artistIDs) > 0 {
		ids := make([]uuid.UUID, 0, len(artistIDs))
		for id := range artistIDs {
			ids = append(ids, id)
		}
		if err := e.deps.Store.MarkAccountSubscribed(ctx, *req.Credential.AccountID, ids); err != nil {
			e.deps.Logger.Error("mark account subscribed", zap.Error(err))
		}
	}

	res.Status = StatusSuccess
	metrics.ObserveRun(service, string(StatusSuccess))
	return res
}

// importPost runs the per-post pipeline. Every error stays inside the
// returned Outcome; the run carries on with the next post.
func (e *Engine) importPost(
	ctx context.Context,
	runID uuid.UUID,
	cred Credential,
	post *FeedPost,
	artistIDs map[uuid.UUID]bool,
) (outcome Outcome) {
	service := cred.Service
	rl := e.deps.RunLog

	if banned, err := e.deps.Store.PostDNP(ctx, service, post.PostNativeID); err != nil {
		return Failed(err)
	} else if banned {
		return Skipped(SkipDNPPost)
	}
	if banned, err := e.deps.Store.ArtistDNP(ctx, service, post.ArtistNativeID); err != nil {
		return Failed(err)
	} else if banned {
		return Skipped(SkipDNPArtist)
	}

	lock, err := e.deps.Store.AcquireLock(ctx, service, post.ArtistNativeID, post.PostNativeID)
	if err != nil {
		return Failed(err)
	}
	if lock == nil {
		return Skipped(SkipLocked)
	}
	resourceID := service + "-" + post.PostNativeID
	defer func() {
		if err := e.deps.Store.ReleaseLock(context.WithoutCancel(ctx), lock); err != nil {
			e.deps.Logger.Warn("release lock", zap.String("post", post.PostNativeID), zap.Error(err))
		}
		e.deps.Fetch.Sweep(resourceID)
		if r := recover(); r != nil {
			e.deps.Logger.Error("post import panicked",
				zap.String("post", post.PostNativeID), zap.Any("panic", r))
			outcome = Failed(fmt.Errorf("post import panicked: %v", r))
		}
	}()

	artist, err := e.deps.Store.UpsertArtist(ctx, service, post.ArtistNativeID, post.ArtistDisplayName, post.ArtistHandle)
	if err != nil {
		return Failed(err)
	}
	artistIDs[artist.ID] = true
	e.maybeFetchArtistImages(ctx, resourceID, artist, post)

	if post.Locked {
		return Skipped(SkipTier)
	}

	isReimport := false
	postID, err := e.deps.Store.FindPostID(ctx, service, post.ArtistNativeID, post.PostNativeID)
	switch {
	case err == nil:
		acted, blobPaths, perr := e.deps.Store.PurgePostForReimport(ctx, postID)
		if perr != nil && !errors.Is(perr, store.ErrNotFound) {
			return Failed(perr)
		}
		if acted {
			isReimport = true
			e.deleteBlobs(ctx, blobPaths)
			rl.Log(runID.String(), fmt.Sprintf("reimporting post %s", post.PostNativeID), runlog.Info, true)
		}
	case errors.Is(err, store.ErrNotFound):
		// New post.
	default:
		return Failed(err)
	}

	if !isReimport {
		done, err := e.alreadyImported(ctx, service, post, postID)
		if err != nil {
			return Failed(err)
		}
		if done {
			return Skipped(SkipAlreadyImported)
		}
	}

	postID, err = e.deps.Store.InsertPost(ctx, artist.ID, service, post.PostNativeID, post.Title, post.PublishedAt, post.UpdatedAt)
	if err != nil {
		return Failed(err)
	}
	if isReimport {
		if err := e.deps.Store.UpdatePost(ctx, postID, post.Title, post.PublishedAt, post.UpdatedAt); err != nil {
			return Failed(err)
		}
	}

	if err := e.importBlocks(ctx, service, resourceID, postID, post, isReimport); err != nil {
		return Failed(err)
	}
	if err := e.importInlineContent(ctx, runID, service, resourceID, postID, post); err != nil {
		return Failed(err)
	}
	e.maybeFetchThumbnail(ctx, service, resourceID, postID, post)

	if err := e.finalizePost(ctx, runID, service, artist.ID, postID); err != nil {
		return Failed(err)
	}
	return Imported(postID)
}

// alreadyImported reports whether the post needs no further work: finished
// and every visible sub-unit already processed. Posts without sub-units rest
// on the finished bit alone.
func (e *Engine) alreadyImported(ctx context.Context, service string, post *FeedPost, postID uuid.UUID) (bool, error) {
	finished, err := e.deps.Store.IsPostFinished(ctx, service, post.ArtistNativeID, post.PostNativeID)
	if err != nil {
		return false, err
	}
	if !finished {
		return false, nil
	}
	visible := visibleSubIDs(post)
	if len(visible) == 0 {
		return true, nil
	}
	processed, err := e.deps.Store.ProcessedSubIDs(ctx, postID)
	if err != nil {
		return false, err
	}
	for _, subID := range visible {
		if !processed[subID] {
			return false, nil
		}
	}
	return true, nil
}

func visibleSubIDs(post *FeedPost) []string {
	var ids []string
	for _, b := range post.Blocks {
		if b.SubID != "" {
			ids = append(ids, b.SubID)
		}
	}
	return ids
}

// importBlocks walks the post's sub-units in order. A sub-unit already in
// the processed registry is skipped outside reimports; one that is about to
// be processed gets its previous content purged first so a partial earlier
// attempt cannot leave duplicates behind.
func (e *Engine) importBlocks(ctx context.Context, service, resourceID string, postID uuid.UUID, post *FeedPost, isReimport bool) error {
	var processed map[string]bool
	if !isReimport {
		var err error
		processed, err = e.deps.Store.ProcessedSubIDs(ctx, postID)
		if err != nil {
			return err
		}
	}

	for _, block := range post.Blocks {
		var subID *string
		if block.SubID != "" {
			if !isReimport && processed[block.SubID] {
				continue
			}
			if err := e.deps.Store.RemoveSubContent(ctx, postID, block.SubID); err != nil {
				return err
			}
			s := block.SubID
			subID = &s
		}

		switch block.Kind {
		case BlockFiles:
			for _, rf := range block.Files {
				staged, err := e.deps.Fetch.Fetch(ctx, rf.URL, fetch.Options{ResourceID: resourceID})
				if err != nil {
					return err
				}
				if staged == nil {
					continue
				}
				if rf.Name != "" {
					staged.Name = rf.Name
				}
				if _, err := e.insertAndUpload(ctx, service, postID, subID, staged, false); err != nil {
					return err
				}
			}
		case BlockEmbed:
			if _, err := e.deps.Store.UpsertEmbed(ctx, postID, subID, store.Embed{
				URL:         block.Embed.URL,
				Subject:     block.Embed.Subject,
				Description: block.Embed.Description,
			}); err != nil {
				return err
			}
		case BlockText:
			if _, err := e.deps.Store.UpsertExtraContent(ctx, postID, subID, block.Title, block.Text); err != nil {
				return err
			}
		}

		if subID != nil {
			if err := e.deps.Store.MarkSubIDProcessed(ctx, postID, *subID); err != nil {
				return err
			}
		}
	}
	return nil
}

// importInlineContent fetches the post's inline files and writes the body
// with placeholder tokens substituted. A token/file count mismatch skips the
// body write loudly and lets the rest of the post proceed.
func (e *Engine) importInlineContent(ctx context.Context, runID uuid.UUID, service, resourceID string, postID uuid.UUID, post *FeedPost) error {
	var stored []string
	for _, rf := range post.InlineFiles {
		staged, err := e.deps.Fetch.Fetch(ctx, rf.URL, fetch.Options{ResourceID: resourceID})
		if err != nil {
			return err
		}
		if staged == nil {
			continue
		}
		path, err := e.insertAndUpload(ctx, service, postID, nil, staged, true)
		if err != nil {
			return err
		}
		stored = append(stored, path)
	}

	if post.Content == "" {
		return nil
	}
	tokens := strings.Count(post.Content, InlinePlaceholder)
	if tokens != len(stored) {
		e.deps.Logger.Warn("inline placeholder count mismatch, skipping content write",
			zap.String("post_id", postID.String()),
			zap.Int("tokens", tokens),
			zap.Int("files", len(stored)))
		e.deps.RunLog.Log(runID.String(),
			fmt.Sprintf("post body skipped: %d placeholders for %d inline files", tokens, len(stored)),
			runlog.Warn, true)
		return nil
	}
	content := post.Content
	for _, path := range stored {
		content = strings.Replace(content, InlinePlaceholder, path, 1)
	}
	return e.deps.Store.SetPostContent(ctx, postID, content)
}

// insertAndUpload records a staged file and pushes its bytes to blob
// storage. Identical bytes already recorded AND uploaded short-circuit after
// a sub_id patch; a row whose earlier upload failed gets its bytes pushed
// now. The scratch file is removed either way, last.
func (e *Engine) insertAndUpload(ctx context.Context, service string, postID uuid.UUID, subID *string, staged *fetch.File, inline bool) (string, error) {
	blobPath := fmt.Sprintf("files/%s/%s%s", staged.SHA256[:2], staged.SHA256, staged.Extension)

	fileID, uploadFinished, err := e.deps.Store.InsertFile(ctx, store.PostFile{
		PostID:    postID,
		SubID:     subID,
		Name:      staged.Name,
		BlobPath:  blobPath,
		MimeType:  staged.MimeType,
		Extension: staged.Extension,
		SHA256:    staged.SHA256,
		Size:      staged.Size,
		Inline:    inline,
	})
	if err != nil {
		return "", err
	}
	if uploadFinished {
		removeScratch(staged.LocalPath, e.deps.Logger)
		return blobPath, nil
	}

	data, err := os.ReadFile(staged.LocalPath)
	if err != nil {
		return "", fmt.Errorf("read scratch file: %w", err)
	}
	if _, err := e.deps.Blob.Put(ctx, blobPath, staged.MimeType, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("upload file: %w", err)
	}
	if preview, mime, ok := e.deps.Media.Preview(data); ok {
		previewPath := fmt.Sprintf("previews/%s/%s.jpg", staged.SHA256[:2], staged.SHA256)
		if _, err := e.deps.Blob.Put(ctx, previewPath, mime, bytes.NewReader(preview)); err != nil {
			e.deps.Logger.Warn("upload preview", zap.Error(err))
		} else if err := e.deps.Store.SetFilePreview(ctx, fileID, previewPath); err != nil {
			return "", err
		}
	}
	if err := e.deps.Store.MarkFileUploadFinished(ctx, fileID); err != nil {
		return "", err
	}
	metrics.ObserveFile(service, staged.Size)
	removeScratch(staged.LocalPath, e.deps.Logger)
	return blobPath, nil
}

// maybeFetchArtistImages reattempts banner and icon acquisition while the
// artist still has budget and no stored copy. A miss burns one attempt; the
// budget never refills.
func (e *Engine) maybeFetchArtistImages(ctx context.Context, resourceID string, artist store.Artist, post *FeedPost) {
	if artist.BannerPath == nil && artist.BannerRetries > 0 && post.ArtistBannerURL != "" {
		path, ok := e.fetchProfileImage(ctx, resourceID, post.ArtistBannerURL, "banners", artist.ID, e.deps.Media.Banner)
		if ok {
			if err := e.deps.Store.SetArtistBanner(ctx, artist.ID, path); err != nil {
				e.deps.Logger.Warn("set artist banner", zap.Error(err))
			}
		} else if err := e.deps.Store.DecrementBannerRetries(ctx, artist.ID); err != nil {
			e.deps.Logger.Warn("decrement banner retries", zap.Error(err))
		}
	}
	if artist.IconPath == nil && artist.IconRetries > 0 && post.ArtistIconURL != "" {
		path, ok := e.fetchProfileImage(ctx, resourceID, post.ArtistIconURL, "icons", artist.ID, e.deps.Media.Icon)
		if ok {
			if err := e.deps.Store.SetArtistIcon(ctx, artist.ID, path); err != nil {
				e.deps.Logger.Warn("set artist icon", zap.Error(err))
			}
		} else if err := e.deps.Store.DecrementIconRetries(ctx, artist.ID); err != nil {
			e.deps.Logger.Warn("decrement icon retries", zap.Error(err))
		}
	}
}

func (e *Engine) fetchProfileImage(
	ctx context.Context,
	resourceID, url, prefix string,
	artistID uuid.UUID,
	transform func([]byte) ([]byte, string, bool),
) (string, bool) {
	staged, err := e.deps.Fetch.Fetch(ctx, url, fetch.Options{ResourceID: resourceID, Attempts: 1})
	if err != nil || staged == nil {
		return "", false
	}
	defer removeScratch(staged.LocalPath, e.deps.Logger)

	data, err := os.ReadFile(staged.LocalPath)
	if err != nil {
		return "", false
	}
	mimeType := staged.MimeType
	if out, m, ok := transform(data); ok {
		data, mimeType = out, m
	}
	path := fmt.Sprintf("%s/%s%s", prefix, artistID, staged.Extension)
	if _, err := e.deps.Blob.Put(ctx, path, mimeType, bytes.NewReader(data)); err != nil {
		return "", false
	}
	return path, true
}

func (e *Engine) maybeFetchThumbnail(ctx context.Context, service, resourceID string, postID uuid.UUID, post *FeedPost) {
	if post.ThumbnailURL == "" {
		return
	}
	staged, err := e.deps.Fetch.Fetch(ctx, post.ThumbnailURL, fetch.Options{ResourceID: resourceID, Attempts: 1})
	if err != nil || staged == nil {
		return
	}
	defer removeScratch(staged.LocalPath, e.deps.Logger)

	data, err := os.ReadFile(staged.LocalPath)
	if err != nil {
		return
	}
	mimeType := staged.MimeType
	if out, m, ok := e.deps.Media.Thumbnail(data); ok {
		data, mimeType = out, m
	}
	path := fmt.Sprintf("thumbnails/%s%s", postID, staged.Extension)
	if _, err := e.deps.Blob.Put(ctx, path, mimeType, bytes.NewReader(data)); err != nil {
		e.deps.Logger.Warn("upload thumbnail", zap.String("service", service), zap.Error(err))
		return
	}
	if err := e.deps.Store.SetPostThumbnail(ctx, postID, path); err != nil {
		e.deps.Logger.Warn("set post thumbnail", zap.Error(err))
	}
}

// finalizePost purges never-uploaded file rows, flips the post visible, and
// fans out the change notifications.
func (e *Engine) finalizePost(ctx context.Context, runID uuid.UUID, service string, artistID, postID uuid.UUID) error {
	orphans, err := e.deps.Store.DeleteUnfinishedFiles(ctx, postID)
	if err != nil {
		return err
	}
	e.deleteBlobs(ctx, orphans)

	if err := e.deps.Store.FinalizePost(ctx, postID); err != nil {
		return err
	}
	if err := e.deps.Store.TouchArtistLastPostImported(ctx, artistID); err != nil {
		e.deps.Logger.Warn("touch artist", zap.Error(err))
	}
	e.deps.Cache.InvalidPost(ctx, postID)

	ev := events.PostFinalized{
		PostID:      postID,
		ArtistID:    artistID,
		Service:     service,
		RunID:       runID,
		FinalizedAt: time.Now().UTC(),
	}
	if err := e.deps.Events.PublishPostFinalized(ctx, ev); err != nil {
		e.deps.Logger.Warn("publish post-finalized event", zap.Error(err))
	}
	return nil
}

// deleteBlobs removes objects best-effort; a row purge must not fail because
// an object was already gone.
func (e *Engine) deleteBlobs(ctx context.Context, paths []string) {
	for _, p := range paths {
		if err := e.deps.Blob.Delete(ctx, p, ""); err != nil {
			e.deps.Logger.Warn("delete blob", zap.String("path", p), zap.Error(err))
		}
	}
}

func removeScratch(path string, logger *zap.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Debug("remove scratch file", zap.String("path", path), zap.Error(err))
	}
}
