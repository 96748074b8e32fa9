// Package rss provides feed fetching and parsing.
package rss

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/mmcdole/gofeed"
)

// DefaultTimeout bounds a single remote fetch. A feed host that hangs
// fails with a timeout error instead of stalling the caller.
const DefaultTimeout = 20 * time.Second

// Concurrency settings
const (
	// MaxConcurrencyPerDomain limits parallel requests to any single domain
	MaxConcurrencyPerDomain = 2
	// DelayBetweenDomainRequests is the minimum delay between requests to the same domain
	DelayBetweenDomainRequests = 500 * time.Millisecond
)

// Feed is a parsed remote feed normalized to the fields the reader uses.
type Feed struct {
	Title   string
	SiteURL string
	Items   []Item
}

// Item is one normalized feed entry.
type Item struct {
	GUID        string
	Title       string
	URL         string
	Author      string
	Content     string
	Excerpt     string
	PublishedAt *time.Time
}

// Source retrieves and parses a remote feed. The production implementation
// is Fetcher; FixtureSource serves canned data for demo mode.
type Source interface {
	Fetch(ctx context.Context, feedURL string) (*Feed, error)
}

// domainLimiter controls rate limiting per domain to avoid overwhelming hosts.
type domainLimiter struct {
	mu          sync.Mutex
	semaphores  map[string]chan struct{}
	lastRequest map[string]time.Time
}

func newDomainLimiter() *domainLimiter {
	return &domainLimiter{
		semaphores:  make(map[string]chan struct{}),
		lastRequest: make(map[string]time.Time),
	}
}

// acquire gets a slot for the domain, blocking if necessary.
// It also enforces the minimum delay between requests to the same domain.
func (dl *domainLimiter) acquire(ctx context.Context, domain string) error {
	dl.mu.Lock()
	sem, ok := dl.semaphores[domain]
	if !ok {
		sem = make(chan struct{}, MaxConcurrencyPerDomain)
		dl.semaphores[domain] = sem
	}
	dl.mu.Unlock()

	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	dl.mu.Lock()
	lastReq := dl.lastRequest[domain]
	dl.mu.Unlock()

	if !lastReq.IsZero() {
		elapsed := time.Since(lastReq)
		if elapsed < DelayBetweenDomainRequests {
			delay := DelayBetweenDomainRequests - elapsed
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Release the semaphore on cancel
				<-sem
				return ctx.Err()
			}
		}
	}

	return nil
}

// release returns a slot for the domain and records the request time.
func (dl *domainLimiter) release(domain string) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.lastRequest[domain] = time.Now()
	if sem, ok := dl.semaphores[domain]; ok {
		<-sem
	}
}

// extractDomain gets the host from a URL.
func extractDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil {
		return feedURL // fallback to full URL
	}
	return u.Host
}

// Fetcher retrieves remote feeds with gofeed, optionally through a relay.
type Fetcher struct {
	parser        *gofeed.Parser
	relayURL      string
	timeout       time.Duration
	domainLimiter *domainLimiter
}

// Ensure Fetcher implements Source.
var _ Source = (*Fetcher)(nil)

// NewFetcher creates a fetcher. relayURL, when non-empty, is a prefix the
// escaped feed URL is appended to ("https://relay.example/raw?url="); empty
// means direct fetching. A timeout of zero uses DefaultTimeout.
func NewFetcher(relayURL string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Fetcher{
		parser:        gofeed.NewParser(),
		relayURL:      relayURL,
		timeout:       timeout,
		domainLimiter: newDomainLimiter(),
	}
}

// Fetch retrieves and parses one feed. All failures (network, non-2xx,
// unparsable body, timeout) come back as fetch errors; nothing is persisted
// here, so a failure never touches stored state.
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*Feed, error) {
	domain := extractDomain(feedURL)
	if err := f.domainLimiter.acquire(ctx, domain); err != nil {
		return nil, apperr.Wrap(apperr.Fetch, "rate limit cancelled", err)
	}
	defer f.domainLimiter.release(domain)

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	requestURL := feedURL
	if f.relayURL != "" {
		requestURL = f.relayURL + url.QueryEscape(feedURL)
	}

	parsed, err := f.parser.ParseURLWithContext(requestURL, ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Fetch, "fetch feed "+feedURL, err)
	}
	return normalize(feedURL, parsed), nil
}

// normalize maps a gofeed document onto the reader's item shape, filling
// gaps the way permissive aggregators do.
func normalize(feedURL string, parsed *gofeed.Feed) *Feed {
	title := parsed.Title
	if title == "" {
		title = feedURL
	}
	feed := &Feed{Title: title, SiteURL: parsed.Link}
	for _, item := range parsed.Items {
		guid := item.GUID
		if guid == "" {
			guid = item.Link
		}
		if guid == "" {
			// No stable identity at all; nothing to dedupe on.
			continue
		}
		it := Item{
			GUID:        guid,
			Title:       item.Title,
			URL:         item.Link,
			Author:      itemAuthor(item),
			Content:     item.Content,
			PublishedAt: item.PublishedParsed,
		}
		if it.Title == "" {
			it.Title = "Untitled"
		}
		if it.Content == "" {
			it.Content = item.Description
		}
		it.Excerpt = Excerpt(item.Description, 300)
		if it.Excerpt == "" {
			it.Excerpt = Excerpt(it.Content, 300)
		}
		feed.Items = append(feed.Items, it)
	}
	return feed
}

// itemAuthor prefers the item author, then the Dublin Core creator.
func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	if item.DublinCoreExt != nil && len(item.DublinCoreExt.Creator) > 0 {
		return item.DublinCoreExt.Creator[0]
	}
	return ""
}

// Excerpt strips markup from an HTML fragment and truncates the text to
// at most max runes on a word boundary.
func Excerpt(html string, max int) string {
	var b strings.Builder
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	text := strings.Join(strings.Fields(b.String()), " ")
	text = strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'", "&nbsp;", " ").Replace(text)
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}
