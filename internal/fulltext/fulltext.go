// Package fulltext extracts readable article content from web pages for
// the reader pane, when the feed only carried a summary.
package fulltext

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	readability "github.com/go-shiori/go-readability"
)

// Extract is the readable projection of a web page.
type Extract struct {
	Title    string `json:"title"`
	Byline   string `json:"byline,omitempty"`
	Content  string `json:"content"`
	Excerpt  string `json:"excerpt,omitempty"`
	SiteName string `json:"site_name,omitempty"`
}

// Extractor fetches article pages and strips them down to readable content.
type Extractor struct {
	client  *http.Client
	timeout time.Duration
}

// NewExtractor creates an extractor with a bounded per-request timeout.
func NewExtractor(timeout time.Duration) *Extractor {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Extractor{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Extract downloads articleURL and returns its readable content.
func (e *Extractor) Extract(ctx context.Context, articleURL string) (*Extract, error) {
	pageURL, err := url.Parse(articleURL)
	if err != nil || !pageURL.IsAbs() {
		return nil, apperr.New(apperr.Validation, "article has no valid URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fetch, "build request", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fetch, "fetch article page", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.Fetch, "fetch article page: status %d", resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, pageURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fetch, "extract readable content", err)
	}
	return &Extract{
		Title:    article.Title,
		Byline:   article.Byline,
		Content:  article.Content,
		Excerpt:  article.Excerpt,
		SiteName: article.SiteName,
	}, nil
}
