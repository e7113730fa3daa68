package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
	"github.com/ThatOneAnimeGuy/seiso/internal/runlog"
	seisostore "github.com/ThatOneAnimeGuy/seiso/internal/store"
	"github.com/ThatOneAnimeGuy/seiso/internal/vault"
)

type stubRunner struct {
	requests chan importer.RunRequest
}

func (s *stubRunner) Run(_ context.Context, req importer.RunRequest) importer.RunResult {
	s.requests <- req
	return importer.RunResult{RunID: req.RunID, Status: importer.StatusSuccess}
}

type stubAdminStore struct {
	savedAccount, savedService, savedCiphertext, savedHash string

	posts   map[string]uuid.UUID
	flagged []uuid.UUID
}

func (s *stubAdminStore) SaveAutoImportCredential(_ context.Context, accountID, service, ciphertext, hash string) error {
	s.savedAccount, s.savedService, s.savedCiphertext, s.savedHash = accountID, service, ciphertext, hash
	return nil
}

func (s *stubAdminStore) FindCredentialByAccount(_ context.Context, accountID, service string) (seisostore.StoredCredential, error) {
	if s.savedAccount == accountID && s.savedService == service {
		return seisostore.StoredCredential{AccountID: accountID, Service: service}, nil
	}
	return seisostore.StoredCredential{}, seisostore.ErrNotFound
}

func (s *stubAdminStore) FindPostID(_ context.Context, service, artistNativeID, postNativeID string) (uuid.UUID, error) {
	id, ok := s.posts[service+"/"+artistNativeID+"/"+postNativeID]
	if !ok {
		return uuid.Nil, importer.ErrUnauthorized // any error body works for the handler
	}
	return id, nil
}

func (s *stubAdminStore) FlagPostForReimport(_ context.Context, postID uuid.UUID) error {
	s.flagged = append(s.flagged, postID)
	return nil
}

func testServer(t *testing.T) (*Server, *stubRunner, *stubAdminStore, *runlog.Logger) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	v, err := vault.New(
		base64.StdEncoding.EncodeToString(make([]byte, 32)),
		base64.StdEncoding.EncodeToString(pubDER),
	)
	require.NoError(t, err)

	runner := &stubRunner{requests: make(chan importer.RunRequest, 1)}
	store := &stubAdminStore{posts: make(map[string]uuid.UUID)}
	rl := runlog.New(zap.NewNop())
	return NewServer(runner, store, v, rl, zap.NewNop()), runner, store, rl
}

func TestStartImportAcceptsAndRuns(t *testing.T) {
	t.Parallel()
	srv, runner, _, _ := testServer(t)

	body := `{"service": "patreon", "session_key": "sk-1", "account_id": "acct-1"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	runID, err := uuid.Parse(resp["run_id"])
	require.NoError(t, err)

	select {
	case got := <-runner.requests:
		assert.Equal(t, runID, got.RunID)
		assert.Equal(t, "patreon", got.Credential.Service)
		assert.Equal(t, "sk-1", got.Credential.SessionKey)
		require.NotNil(t, got.Credential.AccountID)
		assert.Equal(t, "acct-1", *got.Credential.AccountID)
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}
}

func TestStartImportValidatesBody(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := testServer(t)

	for _, body := range []string{"not json", `{"service": "patreon"}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/imports", strings.NewReader(body))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestImportLogsReturnsVisibleFeed(t *testing.T) {
	t.Parallel()
	srv, _, _, rl := testServer(t)

	runID := uuid.NewString()
	rl.Log(runID, "starting patreon import", runlog.Info, true)
	rl.Log(runID, "internal detail", runlog.Debug, false)

	req := httptest.NewRequest(http.MethodGet, "/v1/imports/"+runID+"/logs", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		RunID string   `json:"run_id"`
		Lines []string `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Lines, 1)
	assert.Contains(t, resp.Lines[0], "starting patreon import")
}

func TestSaveCredentialSealsBeforeStoring(t *testing.T) {
	t.Parallel()
	srv, _, store, _ := testServer(t)

	body := `{"account_id": "acct-1", "service": "fanbox", "session_key": "sk-secret"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/credentials", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "acct-1", store.savedAccount)
	assert.Equal(t, "fanbox", store.savedService)
	assert.Equal(t, vault.HashKey("sk-secret"), store.savedHash)
	// The stored payload is RSA ciphertext, never the plaintext.
	assert.NotContains(t, store.savedCiphertext, "sk-secret")
	assert.NotEmpty(t, store.savedCiphertext)

	// Saving again for the same account/service replaces the credential.
	req = httptest.NewRequest(http.MethodPost, "/v1/credentials", strings.NewReader(body))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestFlagReimport(t *testing.T) {
	t.Parallel()
	srv, _, store, _ := testServer(t)

	postID := uuid.New()
	store.posts["patreon/a-1/p-1"] = postID

	req := httptest.NewRequest(http.MethodPost, "/v1/posts/patreon/a-1/p-1/reimport", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{postID}, store.flagged)

	// Same native post id under a different artist is a different post.
	req = httptest.NewRequest(http.MethodPost, "/v1/posts/patreon/a-2/p-1/reimport", http.NoBody)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	srv, _, _, _ := testServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
