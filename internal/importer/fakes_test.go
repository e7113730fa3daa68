package importer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ThatOneAnimeGuy/seiso/internal/fetch"
	"github.com/ThatOneAnimeGuy/seiso/internal/store"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

// fakeStore is an in-memory Store with just enough semantics for engine
// scenarios: constraint-shaped upserts, lock rows, the ongoing registry.
type fakeStore struct {
	artists    map[string]*store.Artist // service/native
	posts      map[uuid.UUID]*store.Post
	postIndex  map[string]uuid.UUID // service/artist-native/post-native
	files      []*store.PostFile
	embeds     []fakeSubContent
	extras     []fakeSubContent
	processed  map[uuid.UUID]map[string]bool
	locks      map[string]uuid.UUID // service/artist/post -> lock id
	slots      map[string]store.OngoingImport
	subs       map[string]map[uuid.UUID]bool
	dnpPosts   map[string]bool
	dnpArtists map[string]bool

	finalizedArtists []uuid.UUID
	touchedArtists   []uuid.UUID
	decrementedCreds []uuid.UUID
	lockTableCleared bool
}

type fakeSubContent struct {
	postID uuid.UUID
	subID  *string
	hash   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		artists:    make(map[string]*store.Artist),
		posts:      make(map[uuid.UUID]*store.Post),
		postIndex:  make(map[string]uuid.UUID),
		processed:  make(map[uuid.UUID]map[string]bool),
		locks:      make(map[string]uuid.UUID),
		slots:      make(map[string]store.OngoingImport),
		subs:       make(map[string]map[uuid.UUID]bool),
		dnpPosts:   make(map[string]bool),
		dnpArtists: make(map[string]bool),
	}
}

func key(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

func (f *fakeStore) AcquireLock(_ context.Context, service, artistNativeID, postNativeID string) (*store.LockHandle, error) {
	k := key(service, artistNativeID, postNativeID)
	if _, held := f.locks[k]; held {
		return nil, nil
	}
	id := uuid.New()
	f.locks[k] = id
	return &store.LockHandle{ID: id, Service: service, ArtistNativeID: artistNativeID, PostNativeID: postNativeID}, nil
}

func (f *fakeStore) ReleaseLock(_ context.Context, handle *store.LockHandle) error {
	if handle == nil {
		return nil
	}
	delete(f.locks, key(handle.Service, handle.ArtistNativeID, handle.PostNativeID))
	return nil
}

func (f *fakeStore) ClearLockTable(context.Context) error {
	f.locks = make(map[string]uuid.UUID)
	f.lockTableCleared = true
	return nil
}

func (f *fakeStore) AcquireCredentialSlot(_ context.Context, credHash, service, ciphertext string, runID uuid.UUID, accountID *string) (bool, error) {
	if _, held := f.slots[credHash]; held {
		return false, nil
	}
	f.slots[credHash] = store.OngoingImport{
		CredHash: credHash, Service: service, Ciphertext: ciphertext,
		RunID: runID, AccountID: accountID, StartedAt: time.Now(),
	}
	return true, nil
}

func (f *fakeStore) ReleaseCredentialSlot(_ context.Context, credHash string) error {
	delete(f.slots, credHash)
	return nil
}

func (f *fakeStore) ListOngoingImports(context.Context) ([]store.OngoingImport, error) {
	var out []store.OngoingImport
	for _, oi := range f.slots {
		out = append(out, oi)
	}
	return out, nil
}

func (f *fakeStore) UpsertArtist(_ context.Context, service, nativeID, displayName, handle string) (store.Artist, error) {
	k := key(service, nativeID)
	if a, ok := f.artists[k]; ok {
		a.DisplayName = displayName
		a.Handle = handle
		return *a, nil
	}
	a := &store.Artist{
		ID: uuid.New(), Service: service, NativeID: nativeID,
		DisplayName: displayName, Handle: handle,
		BannerRetries: 4, IconRetries: 4,
	}
	f.artists[k] = a
	return *a, nil
}

func (f *fakeStore) FinalizeArtist(_ context.Context, artistID uuid.UUID) error {
	f.finalizedArtists = append(f.finalizedArtists, artistID)
	return nil
}

func (f *fakeStore) TouchArtistLastPostImported(_ context.Context, artistID uuid.UUID) error {
	f.touchedArtists = append(f.touchedArtists, artistID)
	return nil
}

func (f *fakeStore) SetArtistBanner(_ context.Context, artistID uuid.UUID, path string) error {
	f.mutateArtist(artistID, func(a *store.Artist) { a.BannerPath = &path })
	return nil
}

func (f *fakeStore) SetArtistIcon(_ context.Context, artistID uuid.UUID, path string) error {
	f.mutateArtist(artistID, func(a *store.Artist) { a.IconPath = &path })
	return nil
}

func (f *fakeStore) DecrementBannerRetries(_ context.Context, artistID uuid.UUID) error {
	f.mutateArtist(artistID, func(a *store.Artist) {
		if a.BannerRetries > 0 {
			a.BannerRetries--
		}
	})
	return nil
}

func (f *fakeStore) DecrementIconRetries(_ context.Context, artistID uuid.UUID) error {
	f.mutateArtist(artistID, func(a *store.Artist) {
		if a.IconRetries > 0 {
			a.IconRetries--
		}
	})
	return nil
}

func (f *fakeStore) mutateArtist(artistID uuid.UUID, fn func(*store.Artist)) {
	for _, a := range f.artists {
		if a.ID == artistID {
			fn(a)
			return
		}
	}
}

func (f *fakeStore) ArtistDNP(_ context.Context, service, nativeID string) (bool, error) {
	return f.dnpArtists[key(service, nativeID)], nil
}

func (f *fakeStore) FindPostID(_ context.Context, service, artistNativeID, postNativeID string) (uuid.UUID, error) {
	id, ok := f.postIndex[key(service, artistNativeID, postNativeID)]
	if !ok {
		return uuid.Nil, store.ErrNotFound
	}
	return id, nil
}

func (f *fakeStore) IsPostFinished(_ context.Context, service, artistNativeID, postNativeID string) (bool, error) {
	id, ok := f.postIndex[key(service, artistNativeID, postNativeID)]
	if !ok {
		return false, nil
	}
	return f.posts[id].Finished, nil
}

func (f *fakeStore) artistNativeByID(artistID uuid.UUID) string {
	for _, a := range f.artists {
		if a.ID == artistID {
			return a.NativeID
		}
	}
	return ""
}

func (f *fakeStore) InsertPost(_ context.Context, artistID uuid.UUID, service, nativeID, title string, publishedAt, updatedAt *time.Time) (uuid.UUID, error) {
	k := key(service, f.artistNativeByID(artistID), nativeID)
	if id, ok := f.postIndex[k]; ok {
		return id, nil
	}
	p := &store.Post{
		ID: uuid.New(), ArtistID: artistID, Service: service, NativeID: nativeID,
		Title: title, PublishedAt: publishedAt, UpdatedAt: updatedAt, AddedAt: time.Now(),
	}
	f.posts[p.ID] = p
	f.postIndex[k] = p.ID
	return p.ID, nil
}

func (f *fakeStore) UpdatePost(_ context.Context, postID uuid.UUID, title string, publishedAt, updatedAt *time.Time) error {
	p := f.posts[postID]
	p.Title, p.PublishedAt, p.UpdatedAt = title, publishedAt, updatedAt
	return nil
}

func (f *fakeStore) SetPostContent(_ context.Context, postID uuid.UUID, content string) error {
	f.posts[postID].Content = &content
	return nil
}

func (f *fakeStore) SetPostThumbnail(_ context.Context, postID uuid.UUID, path string) error {
	f.posts[postID].ThumbnailPath = &path
	return nil
}

func (f *fakeStore) FinalizePost(_ context.Context, postID uuid.UUID) error {
	p := f.posts[postID]
	p.Finished = true
	p.ReimportFlag = false
	return nil
}

func (f *fakeStore) PurgePostForReimport(_ context.Context, postID uuid.UUID) (bool, []string, error) {
	p, ok := f.posts[postID]
	if !ok {
		return false, nil, store.ErrNotFound
	}
	if !p.ReimportFlag {
		return false, nil, nil
	}
	var paths []string
	var kept []*store.PostFile
	for _, file := range f.files {
		if file.PostID == postID {
			paths = append(paths, file.BlobPath)
			if file.PreviewPath != nil {
				paths = append(paths, *file.PreviewPath)
			}
			continue
		}
		kept = append(kept, file)
	}
	f.files = kept
	f.embeds = removeSubContentFor(f.embeds, postID, nil)
	f.extras = removeSubContentFor(f.extras, postID, nil)
	delete(f.processed, postID)
	p.Finished = false
	p.ThumbnailPath = nil
	p.Content = nil
	return true, paths, nil
}

func removeSubContentFor(items []fakeSubContent, postID uuid.UUID, subID *string) []fakeSubContent {
	var kept []fakeSubContent
	for _, it := range items {
		if it.postID == postID && (subID == nil || (it.subID != nil && *it.subID == *subID)) {
			continue
		}
		kept = append(kept, it)
	}
	return kept
}

func (f *fakeStore) PostDNP(_ context.Context, service, nativeID string) (bool, error) {
	return f.dnpPosts[key(service, nativeID)], nil
}

func (f *fakeStore) UpsertEmbed(_ context.Context, postID uuid.UUID, subID *string, e store.Embed) (uuid.UUID, error) {
	hash := key(e.URL, e.Subject, e.Description)
	for i := range f.embeds {
		if f.embeds[i].postID == postID && f.embeds[i].hash == hash {
			f.embeds[i].subID = subID
			return uuid.New(), nil
		}
	}
	f.embeds = append(f.embeds, fakeSubContent{postID: postID, subID: subID, hash: hash})
	return uuid.New(), nil
}

func (f *fakeStore) UpsertExtraContent(_ context.Context, postID uuid.UUID, subID *string, title, body string) (uuid.UUID, error) {
	hash := key(title, body)
	for i := range f.extras {
		if f.extras[i].postID == postID && f.extras[i].hash == hash {
			f.extras[i].subID = subID
			return uuid.New(), nil
		}
	}
	f.extras = append(f.extras, fakeSubContent{postID: postID, subID: subID, hash: hash})
	return uuid.New(), nil
}

func (f *fakeStore) MarkSubIDProcessed(_ context.Context, postID uuid.UUID, subID string) error {
	if f.processed[postID] == nil {
		f.processed[postID] = make(map[string]bool)
	}
	f.processed[postID][subID] = true
	return nil
}

func (f *fakeStore) ProcessedSubIDs(_ context.Context, postID uuid.UUID) (map[string]bool, error) {
	out := make(map[string]bool)
	for subID := range f.processed[postID] {
		out[subID] = true
	}
	return out, nil
}

func (f *fakeStore) RemoveSubContent(_ context.Context, postID uuid.UUID, subID string) error {
	f.embeds = removeSubContentFor(f.embeds, postID, &subID)
	f.extras = removeSubContentFor(f.extras, postID, &subID)
	delete(f.processed[postID], subID)
	return nil
}

func (f *fakeStore) InsertFile(_ context.Context, file store.PostFile) (uuid.UUID, bool, error) {
	for _, existing := range f.files {
		if existing.PostID == file.PostID && existing.SHA256 == file.SHA256 {
			if file.SubID != nil {
				existing.SubID = file.SubID
			}
			return existing.ID, existing.UploadFinished, nil
		}
	}
	file.ID = uuid.New()
	file.UploadFinished = false
	f.files = append(f.files, &file)
	return file.ID, false, nil
}

func (f *fakeStore) MarkFileUploadFinished(_ context.Context, fileID uuid.UUID) error {
	for _, file := range f.files {
		if file.ID == fileID {
			file.UploadFinished = true
		}
	}
	return nil
}

func (f *fakeStore) SetFilePreview(_ context.Context, fileID uuid.UUID, path string) error {
	for _, file := range f.files {
		if file.ID == fileID {
			file.PreviewPath = &path
		}
	}
	return nil
}

func (f *fakeStore) DeleteUnfinishedFiles(_ context.Context, postID uuid.UUID) ([]string, error) {
	var paths []string
	var kept []*store.PostFile
	for _, file := range f.files {
		if file.PostID == postID && !file.UploadFinished {
			paths = append(paths, file.BlobPath)
			continue
		}
		kept = append(kept, file)
	}
	f.files = kept
	return paths, nil
}

func (f *fakeStore) MarkAccountSubscribed(_ context.Context, accountID string, artistIDs []uuid.UUID) error {
	if f.subs[accountID] == nil {
		f.subs[accountID] = make(map[uuid.UUID]bool)
	}
	for _, id := range artistIDs {
		f.subs[accountID][id] = true
	}
	return nil
}

func (f *fakeStore) DecrementCredentialRetries(_ context.Context, credID uuid.UUID) error {
	f.decrementedCreds = append(f.decrementedCreds, credID)
	return nil
}

func (f *fakeStore) filesForPost(postID uuid.UUID) []*store.PostFile {
	var out []*store.PostFile
	for _, file := range f.files {
		if file.PostID == postID {
			out = append(out, file)
		}
	}
	return out
}

// fakeFetcher serves canned bytes per URL, staging them as real scratch
// files so the upload path can read them back. Unknown URLs behave like the
// fail-fast statuses: (nil, nil).
type fakeFetcher struct {
	t      *testing.T
	root   string
	bodies map[string][]byte
	swept  []string
}

func newFakeFetcher(t *testing.T) *fakeFetcher {
	return &fakeFetcher{t: t, root: t.TempDir(), bodies: make(map[string][]byte)}
}

func (f *fakeFetcher) serve(url string, body []byte) {
	f.bodies[url] = body
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, opts fetch.Options) (*fetch.File, error) {
	body, ok := f.bodies[url]
	if !ok {
		return nil, nil
	}
	dir := filepath.Join(f.root, opts.ResourceID)
	require.NoError(f.t, os.MkdirAll(dir, 0o750))
	path := filepath.Join(dir, uuid.NewString())
	require.NoError(f.t, os.WriteFile(path, body, 0o600))

	sum := sha256.Sum256(body)
	return &fetch.File{
		LocalPath: path,
		Name:      filepath.Base(url),
		MimeType:  "application/octet-stream",
		Extension: ".bin",
		SHA256:    hex.EncodeToString(sum[:]),
		Size:      int64(len(body)),
	}, nil
}

func (f *fakeFetcher) Sweep(resourceID string) {
	f.swept = append(f.swept, resourceID)
	_ = os.RemoveAll(filepath.Join(f.root, resourceID))
}

// fakeSource replays scripted pages; errs overrides individual page loads.
type fakeSource struct {
	service string
	pages   []Page
	errs    map[int]error
	calls   int
}

func (s *fakeSource) Service() string { return s.service }

func (s *fakeSource) ListPage(_ context.Context, cursor string, _ Credential) (Page, error) {
	idx := s.calls
	s.calls++
	if err, ok := s.errs[idx]; ok {
		return Page{}, err
	}
	if idx >= len(s.pages) {
		return Page{}, fmt.Errorf("cursor %q past the last scripted page", cursor)
	}
	return s.pages[idx], nil
}

func hashOf(sessionKey string) string {
	return vault.HashKey(sessionKey)
}

func testVault(t *testing.T) *vault.Vault {
	t.Helper()
	aesKey := make([]byte, 32)
	for i := range aesKey {
		aesKey[i] = byte(i)
	}
	v, err := vault.New(base64.StdEncoding.EncodeToString(aesKey), "")
	require.NoError(t, err)
	return v
}
