// Package feeds holds feed source implementations and the registry binaries
// use to wire them into the import engine. Live service adapters live in
// their own modules; in-tree, Replay serves operator backfills from
// normalized page documents on disk.
package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ThatOneAnimeGuy/seiso/internal/importer"
)

// DefaultFirstPage is the page document an empty cursor resolves to.
const DefaultFirstPage = "page-1.json"

// Replay lists pre-normalized pages from a directory. Each document names
// the next one; an empty next ends the feed.
type Replay struct {
	service string
	dir     string
}

// NewReplay builds a Replay source for one service's page directory.
func NewReplay(service, dir string) *Replay {
	return &Replay{service: service, dir: dir}
}

// Service implements importer.FeedSource.
func (r *Replay) Service() string { return r.service }

type pageDoc struct {
	Posts []postDoc `json:"posts"`
	Next  string    `json:"next"`
}

type postDoc struct {
	Artist struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Handle      string `json:"handle"`
		BannerURL   string `json:"banner_url"`
		IconURL     string `json:"icon_url"`
	} `json:"artist"`
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Content      string     `json:"content"`
	ThumbnailURL string     `json:"thumbnail_url"`
	PublishedAt  *time.Time `json:"published_at"`
	UpdatedAt    *time.Time `json:"updated_at"`
	Locked       bool       `json:"locked"`
	InlineFiles  []fileDoc  `json:"inline_files"`
	Blocks       []blockDoc `json:"blocks"`
}

type fileDoc struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type blockDoc struct {
	SubID string    `json:"sub_id"`
	Kind  string    `json:"kind"`
	Files []fileDoc `json:"files"`
	Embed struct {
		URL         string `json:"url"`
		Subject     string `json:"subject"`
		Description string `json:"description"`
	} `json:"embed"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ListPage implements importer.FeedSource. The cursor is the page document's
// file name; path traversal out of the directory is rejected.
func (r *Replay) ListPage(_ context.Context, cursor string, _ importer.Credential) (importer.Page, error) {
	if cursor == "" {
		cursor = DefaultFirstPage
	}
	if strings.Contains(cursor, "..") || strings.ContainsRune(cursor, filepath.Separator) {
		return importer.Page{}, fmt.Errorf("invalid page cursor %q", cursor)
	}

	data, err := os.ReadFile(filepath.Join(r.dir, cursor))
	if err != nil {
		return importer.Page{}, fmt.Errorf("read page %q: %w", cursor, err)
	}
	var doc pageDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return importer.Page{}, fmt.Errorf("decode page %q: %w", cursor, err)
	}

	page := importer.Page{Next: doc.Next}
	for _, pd := range doc.Posts {
		page.Posts = append(page.Posts, toFeedPost(pd))
	}
	return page, nil
}

func toFeedPost(pd postDoc) importer.FeedPost {
	post := importer.FeedPost{
		ArtistNativeID:    pd.Artist.ID,
		ArtistDisplayName: pd.Artist.DisplayName,
		ArtistHandle:      pd.Artist.Handle,
		ArtistBannerURL:   pd.Artist.BannerURL,
		ArtistIconURL:     pd.Artist.IconURL,
		PostNativeID:      pd.ID,
		Title:             pd.Title,
		Content:           pd.Content,
		ThumbnailURL:      pd.ThumbnailURL,
		PublishedAt:       pd.PublishedAt,
		UpdatedAt:         pd.UpdatedAt,
		Locked:            pd.Locked,
	}
	for _, fd := range pd.InlineFiles {
		post.InlineFiles = append(post.InlineFiles, importer.RemoteFile{URL: fd.URL, Name: fd.Name})
	}
	for _, bd := range pd.Blocks {
		block := importer.ContentBlock{
			SubID: bd.SubID,
			Kind:  importer.BlockKind(bd.Kind),
			Title: bd.Title,
			Text:  bd.Text,
			Embed: importer.EmbedRef{
				URL:         bd.Embed.URL,
				Subject:     bd.Embed.Subject,
				Description: bd.Embed.Description,
			},
		}
		for _, fd := range bd.Files {
			block.Files = append(block.Files, importer.RemoteFile{URL: fd.URL, Name: fd.Name})
		}
		post.Blocks = append(post.Blocks, block)
	}
	return post
}
