package rss

import (
	"context"
	"fmt"
	"time"
)

// FixtureSource serves canned feed data for demo and offline use. It is
// the only place placeholder content comes from; the production fetcher
// never substitutes it on failure.
type FixtureSource struct {
	now func() time.Time
}

// Ensure FixtureSource implements Source.
var _ Source = (*FixtureSource)(nil)

// NewFixtureSource creates a fixture source.
func NewFixtureSource() *FixtureSource {
	return &FixtureSource{now: time.Now}
}

// Fetch returns a deterministic three-item feed for any URL.
func (s *FixtureSource) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	feed := &Feed{Title: "Demo Feed", SiteURL: "https://example.com"}
	for i := 1; i <= 3; i++ {
		published := now.Add(-time.Duration(i) * time.Hour)
		feed.Items = append(feed.Items, Item{
			GUID:        fmt.Sprintf("%s#demo-%d", feedURL, i),
			Title:       fmt.Sprintf("Demo Article %d", i),
			URL:         fmt.Sprintf("https://example.com/articles/%d", i),
			Author:      "Demo Author",
			Content:     fmt.Sprintf("<p>Demo content %d</p>", i),
			Excerpt:     fmt.Sprintf("Demo content %d", i),
			PublishedAt: &published,
		})
	}
	return feed, nil
}
