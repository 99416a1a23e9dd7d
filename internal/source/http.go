package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// HTTPAdapter reads a JSON chapter listing. With a BaseURL it requests
// {BaseURL}/series/{external id}/chapters, otherwise the source's own URL.
type HTTPAdapter struct {
	name    string
	baseURL string
	client  *http.Client
}

func NewHTTPAdapter(name, baseURL string, timeout time.Duration) *HTTPAdapter {
	return &HTTPAdapter{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  newClient(timeout),
	}
}

func (a *HTTPAdapter) Name() string { return a.name }

type (
	chapterListing struct {
		Chapters []listedChapter `json:"chapters"`
	}

	listedChapter struct {
		ChapterNumber   *float64  `json:"chapter_number"`
		Title           string    `json:"title"`
		URL             string    `json:"url"`
		SourceChapterID *string   `json:"source_chapter_id"`
		ScanlationGroup string    `json:"scanlation_group"`
		Language        string    `json:"language"`
		PublishedAt     time.Time `json:"published_at"`
	}
)

func (a *HTTPAdapter) Chapters(ctx context.Context, src catalog.SeriesSource) ([]catalog.ChapterReport, error) {
	endpoint := src.URL
	if a.baseURL != "" {
		endpoint = fmt.Sprintf("%s/series/%s/chapters", a.baseURL, url.PathEscape(src.ExternalID))
	}
	if endpoint == "" {
		return nil, catalog.Permanent("series source has no url", nil)
	}

	resp, err := get(ctx, a.client, endpoint, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var listing chapterListing
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		if catalog.IsTransient(err) {
			return nil, catalog.Transient("error reading chapter listing", err)
		}
		return nil, catalog.Permanent("error decoding chapter listing", err)
	}

	reports := make([]catalog.ChapterReport, 0, len(listing.Chapters))
	for _, c := range listing.Chapters {
		reports = append(reports, catalog.ChapterReport{
			SeriesSourceID:  src.ID,
			SeriesID:        src.SeriesID,
			ChapterNumber:   c.ChapterNumber,
			ChapterTitle:    c.Title,
			ChapterURL:      c.URL,
			SourceChapterID: c.SourceChapterID,
			ScanlationGroup: c.ScanlationGroup,
			Language:        c.Language,
			PublishedAt:     c.PublishedAt,
		})
	}

	return reports, nil
}
