package source

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/jdholdren/chapterhouse/internal/catalog"
)

// RSSAdapter reads chapters from a series' RSS or Atom feed. Feeds carry no
// structured chapter number, so it is parsed out of the item title.
type RSSAdapter struct {
	name   string
	client *http.Client
	parser *gofeed.Parser
}

func NewRSSAdapter(name string, timeout time.Duration) *RSSAdapter {
	return &RSSAdapter{
		name:   name,
		client: newClient(timeout),
		parser: gofeed.NewParser(),
	}
}

func (a *RSSAdapter) Name() string { return a.name }

func (a *RSSAdapter) Chapters(ctx context.Context, src catalog.SeriesSource) ([]catalog.ChapterReport, error) {
	if src.URL == "" {
		return nil, catalog.Permanent("series source has no feed url", nil)
	}

	resp, err := get(ctx, a.client, src.URL, "application/rss+xml, application/atom+xml, application/xml")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	feed, err := a.parser.Parse(resp.Body)
	if err != nil {
		if catalog.IsTransient(err) {
			return nil, catalog.Transient("error reading feed", err)
		}
		return nil, catalog.Permanent("error parsing feed", err)
	}

	reports := make([]catalog.ChapterReport, 0, len(feed.Items))
	for _, item := range feed.Items {
		r := catalog.ChapterReport{
			SeriesSourceID: src.ID,
			SeriesID:       src.SeriesID,
			ChapterNumber:  ChapterNumberFromTitle(item.Title),
			ChapterTitle:   item.Title,
			ChapterURL:     item.Link,
		}
		if item.GUID != "" {
			guid := item.GUID
			r.SourceChapterID = &guid
		}
		switch {
		case item.PublishedParsed != nil:
			r.PublishedAt = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			r.PublishedAt = *item.UpdatedParsed
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			r.ScanlationGroup = item.Authors[0].Name
		}
		reports = append(reports, r)
	}

	return reports, nil
}

var chapterTitle = regexp.MustCompile(`(?i)\b(?:chapter|chap|ch)\.?\s*#?\s*(\d+(?:\.\d+)?)`)

// ChapterNumberFromTitle finds "Chapter 12", "Ch. 12.5" and the like in a
// title. It returns nil when there is no number.
func ChapterNumberFromTitle(title string) *float64 {
	m := chapterTitle.FindStringSubmatch(title)
	if m == nil {
		return nil
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	return &n
}
