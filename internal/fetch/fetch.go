// Package fetch implements the file acquisition pipeline: streaming remote
// bytes to scratch storage with bounded fixed-delay retries, content hashing,
// and deterministic local naming.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errGone marks responses that indicate the resource is permanently
// unavailable or forbidden; retrying cannot help.
var errGone = errors.New("resource gone or forbidden")

// errNotAFile marks 200 responses that carry an HTML error page instead of
// file bytes; some services do this rather than returning a real status.
var errNotAFile = errors.New("response is an html page, not a file")

// File describes bytes staged in scratch storage, ready for dedup and upload.
type File struct {
	LocalPath string
	Name      string
	MimeType  string
	Extension string
	SHA256    string
	Size      int64
	SubID     string
	Comment   string
	Inline    bool
	InlineTxt string
}

// Options tweak a single Fetch call.
type Options struct {
	// ResourceID scopes the scratch directory so one post's temp files can
	// be swept together.
	ResourceID string
	Cookies    []*http.Cookie
	Header     http.Header
	// Attempts overrides the fetcher default when > 0.
	Attempts int
}

// Config controls retry behavior and scratch placement.
type Config struct {
	ScratchDir   string
	Attempts     int
	RetryDelay   time.Duration
	UserAgent    string
	MaxFileBytes int64
}

// Fetcher downloads remote files into scratch storage.
type Fetcher struct {
	client *http.Client
	cfg    Config
	logger *zap.Logger
}

// New builds a Fetcher. A nil client gets a default with a generous timeout;
// individual calls are bounded by their context.
func New(client *http.Client, cfg Config, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{client: client, cfg: cfg, logger: logger}
}

// Fetch downloads url into scratch storage. It returns (nil, nil) when the
// remote side reports the resource as gone/forbidden (400, 401, 403, 404) or
// serves an HTML page instead of file bytes. Every other failure, including a
// content-length mismatch, is retried with a fixed delay before surfacing.
func (f *Fetcher) Fetch(ctx context.Context, url string, opts Options) (*File, error) {
	attempts := f.cfg.Attempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}

	var staged *File
	err := retry.Do(
		func() error {
			file, err := f.fetchOnce(ctx, url, opts)
			if err != nil {
				return err
			}
			staged = file
			return nil
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(f.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Warn("fetch failed, sleeping before next attempt",
				zap.String("url", url),
				zap.Uint("attempt", n+1),
				zap.Duration("delay", f.cfg.RetryDelay),
				zap.Error(err))
		}),
	)
	if err != nil {
		if errors.Is(err, errGone) || errors.Is(err, errNotAFile) {
			f.logger.Debug("remote file unavailable", zap.String("url", url), zap.Error(err))
			return nil, nil
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	return staged, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string, opts Options) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	if f.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", f.cfg.UserAgent)
	}
	for k, vals := range opts.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	for _, c := range opts.Cookies {
		req.AddCookie(c)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Debug("close response body", zap.Error(cerr))
		}
	}()

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, retry.Unrecoverable(errGone)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "text/html") {
		return nil, retry.Unrecoverable(errNotAFile)
	}

	dir := filepath.Join(f.cfg.ScratchDir, opts.ResourceID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("create scratch dir: %w", err))
	}
	localPath := filepath.Join(dir, uuid.NewString())

	size, sum, head, err := f.streamToFile(localPath, resp.Body)
	if err != nil {
		removeQuietly(localPath, f.logger)
		return nil, err
	}

	if resp.ContentLength >= 0 && size != resp.ContentLength {
		removeQuietly(localPath, f.logger)
		return nil, fmt.Errorf("size mismatch: got %d bytes, content-length says %d", size, resp.ContentLength)
	}

	mimeType := http.DetectContentType(head)
	ext := extensionFor(mimeType)
	name := filenameFrom(resp.Header, sum, ext)

	return &File{
		LocalPath: localPath,
		Name:      name,
		MimeType:  mimeType,
		Extension: ext,
		SHA256:    sum,
		Size:      size,
	}, nil
}

func (f *Fetcher) streamToFile(path string, body io.Reader) (int64, string, []byte, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, "", nil, retry.Unrecoverable(fmt.Errorf("create scratch file: %w", err))
	}
	defer func() {
		if cerr := out.Close(); cerr != nil {
			f.logger.Debug("close scratch file", zap.Error(cerr))
		}
	}()

	if f.cfg.MaxFileBytes > 0 {
		body = io.LimitReader(body, f.cfg.MaxFileBytes)
	}

	hasher := sha256.New()
	head := make([]byte, 0, 512)
	tee := io.TeeReader(body, hasher)

	buf := make([]byte, 128*1024)
	var size int64
	for {
		n, rerr := tee.Read(buf)
		if n > 0 {
			if len(head) < 512 {
				take := min(512-len(head), n)
				head = append(head, buf[:take]...)
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return 0, "", nil, retry.Unrecoverable(fmt.Errorf("write scratch file: %w", werr))
			}
			size += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return 0, "", nil, rerr
		}
	}

	return size, hex.EncodeToString(hasher.Sum(nil)), head, nil
}

// Sweep removes one resource's scratch directory. It runs in cleanup paths,
// so failures are logged and swallowed.
func (f *Fetcher) Sweep(resourceID string) {
	if resourceID == "" {
		return
	}
	dir := filepath.Join(f.cfg.ScratchDir, resourceID)
	if err := os.RemoveAll(dir); err != nil {
		f.logger.Warn("sweep scratch dir", zap.String("dir", dir), zap.Error(err))
	}
}

// InitScratch wipes and recreates the scratch root. Called once at process
// start so directories leaked by a crash never outlive a restart.
func (f *Fetcher) InitScratch() error {
	if err := os.RemoveAll(f.cfg.ScratchDir); err != nil {
		return fmt.Errorf("clear scratch root: %w", err)
	}
	if err := os.MkdirAll(f.cfg.ScratchDir, 0o750); err != nil {
		return fmt.Errorf("create scratch root: %w", err)
	}
	return nil
}

func filenameFrom(h http.Header, sum, ext string) string {
	name := h.Get("x-amz-meta-original-filename")
	if name == "" {
		name = filenameFromDisposition(h.Get("Content-Disposition"))
	}
	if name == "" {
		name = sum[:32] + ext
	}
	return limitString(slugify(name), 255)
}

func filenameFromDisposition(cd string) string {
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func extensionFor(mimeType string) string {
	base, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ""
	}
	// DetectContentType returns a small set; prefer the conventional
	// extension over mime.ExtensionsByType's alphabetical first pick.
	switch base {
	case "image/jpeg":
		return ".jpg"
	case "text/plain":
		return ".txt"
	}
	exts, err := mime.ExtensionsByType(base)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func limitString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func removeQuietly(path string, logger *zap.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Debug("remove scratch file", zap.String("path", path), zap.Error(err))
	}
}
