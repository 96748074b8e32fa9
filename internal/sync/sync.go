// Package sync orchestrates fetching remote feeds and writing the results
// to the store: subscribing, refreshing, and background polling.
package sync

import (
	"context"
	"log"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/model"
	"github.com/feedvault/feedvault/internal/rss"
	"golang.org/x/sync/singleflight"
)

// MinPollingIntervalMinutes is the minimum allowed interval.
const MinPollingIntervalMinutes = 15

// Concurrency settings
const (
	// MaxConcurrencyPostgres is the number of parallel refreshes for PostgreSQL
	MaxConcurrencyPostgres = 10
	// MaxConcurrencySQLite is the number of parallel refreshes for SQLite (limited due to locking)
	MaxConcurrencySQLite = 1
)

// Syncer runs the fetch-parse-upsert sequence that keeps articles current.
type Syncer struct {
	store       database.Store
	source      rss.Source
	concurrency int

	// group collapses concurrent refreshes of the same feed into one
	// flight, so a refresh race cannot double-insert.
	group singleflight.Group
}

// NewSyncer creates a syncer with concurrency based on the database type.
func NewSyncer(store database.Store, source rss.Source) *Syncer {
	concurrency := MaxConcurrencySQLite
	if store.SupportsHighConcurrency() {
		concurrency = MaxConcurrencyPostgres
	}
	return &Syncer{store: store, source: source, concurrency: concurrency}
}

// ValidateFeedURL rejects anything that is not an absolute http(s) URL.
func ValidateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return apperr.New(apperr.Validation, "feed URL must be an absolute http(s) URL")
	}
	return nil
}

// hostOf derives a placeholder title from the URL's host component.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// CreateFeed subscribes the user to the feed at rawURL. The remote source
// is fetched first: a fetch failure aborts before anything is persisted.
// The canonical feed is shared, so subscribing to a URL another user
// already follows reuses its feed and articles.
func (s *Syncer) CreateFeed(ctx context.Context, userID int64, rawURL string, folderID *int64) (*model.SubscribedFeed, error) {
	if err := ValidateFeedURL(rawURL); err != nil {
		return nil, err
	}

	remote, err := s.source.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	feed, err := s.store.GetFeedByURL(ctx, rawURL)
	if apperr.IsKind(err, apperr.NotFound) {
		title := remote.Title
		if title == "" || title == rawURL {
			title = hostOf(rawURL)
		}
		feed, err = s.store.CreateFeed(ctx, title, rawURL, remote.SiteURL)
		if apperr.IsKind(err, apperr.Conflict) {
			// Another subscriber inserted the same URL first; use their row.
			feed, err = s.store.GetFeedByURL(ctx, rawURL)
		}
	}
	if err != nil {
		return nil, err
	}

	newCount, err := s.storeItems(ctx, feed.ID, remote.Items)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.store.UpdateFeedFetched(ctx, feed.ID, now); err != nil {
		return nil, err
	}
	feed.LastFetchedAt = &now

	sub, err := s.store.CreateSubscription(ctx, userID, feed.ID, folderID)
	if err != nil {
		return nil, err
	}

	return &model.SubscribedFeed{
		Feed:             *feed,
		SubscriptionID:   sub.ID,
		FolderID:         sub.FolderID,
		NotificationFreq: sub.NotificationFreq,
		UnreadCount:      int64(newCount),
	}, nil
}

// RefreshFeed re-fetches one feed and ingests any new items. Returns the
// updated feed and the number of new articles. At most one refresh per
// feed runs at a time; concurrent callers share the in-flight result.
func (s *Syncer) RefreshFeed(ctx context.Context, feedID int64) (*model.Feed, int, error) {
	type result struct {
		feed     *model.Feed
		newItems int
	}
	v, err, _ := s.group.Do(strconv.FormatInt(feedID, 10), func() (any, error) {
		feed, n, err := s.refresh(ctx, feedID)
		if err != nil {
			return nil, err
		}
		return result{feed, n}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return r.feed, r.newItems, nil
}

func (s *Syncer) refresh(ctx context.Context, feedID int64) (*model.Feed, int, error) {
	feed, err := s.store.GetFeedByID(ctx, feedID)
	if err != nil {
		return nil, 0, err
	}

	remote, err := s.source.Fetch(ctx, feed.URL)
	if err != nil {
		// Record the failure for display but leave title and
		// last_fetched_at untouched.
		errMsg := err.Error()
		if len(errMsg) > 200 {
			errMsg = errMsg[:200]
		}
		if storeErr := s.store.UpdateFeedError(context.WithoutCancel(ctx), feedID, errMsg); storeErr != nil {
			log.Printf("Error recording fetch failure for feed %d: %v", feedID, storeErr)
		}
		return nil, 0, err
	}

	if remote.Title != "" && remote.Title != feed.Title {
		if err := s.store.UpdateFeedTitle(ctx, feedID, remote.Title); err != nil {
			log.Printf("Error updating title for feed %d: %v", feedID, err)
		} else {
			feed.Title = remote.Title
		}
	}

	newCount, err := s.storeItems(ctx, feedID, remote.Items)
	if err != nil {
		return nil, 0, err
	}

	// Last fetched advances even when nothing new was found.
	now := time.Now().UTC()
	if err := s.store.UpdateFeedFetched(ctx, feedID, now); err != nil {
		log.Printf("Error updating last_fetched_at for feed %d: %v", feedID, err)
	}
	feed.LastFetchedAt = &now
	feed.LastError = ""

	return feed, newCount, nil
}

// storeItems inserts fetched items, skipping any the feed already has by
// GUID or canonical URL. Returns the number actually inserted.
func (s *Syncer) storeItems(ctx context.Context, feedID int64, items []rss.Item) (int, error) {
	newCount := 0
	for _, item := range items {
		article := &model.Article{
			FeedID:      feedID,
			GUID:        item.GUID,
			Title:       item.Title,
			URL:         item.URL,
			Author:      item.Author,
			Content:     item.Content,
			Excerpt:     item.Excerpt,
			PublishedAt: item.PublishedAt,
		}
		_, isNew, err := s.store.AddArticle(ctx, article)
		if err != nil {
			return newCount, apperr.Wrap(apperr.Store, "store article "+item.GUID, err)
		}
		if isNew {
			newCount++
		}
	}
	return newCount, nil
}

// RefreshResult holds the result of refreshing a single feed.
type RefreshResult struct {
	FeedID   int64
	NewItems int
	Error    error
}

// RefreshAll refreshes every canonical feed with configurable concurrency.
// Uses parallel workers for PostgreSQL, sequential for SQLite.
// Returns a map of feed ID -> new item count.
func (s *Syncer) RefreshAll(ctx context.Context) (map[int64]int, error) {
	feeds, err := s.store.GetAllFeeds(ctx)
	if err != nil {
		return nil, err
	}

	if len(feeds) == 0 {
		return make(map[int64]int), nil
	}

	log.Printf("Refreshing %d feeds with concurrency=%d", len(feeds), s.concurrency)

	if s.concurrency <= 1 {
		return s.refreshSequential(ctx, feeds)
	}
	return s.refreshParallel(ctx, feeds)
}

func (s *Syncer) refreshSequential(ctx context.Context, feeds []model.Feed) (map[int64]int, error) {
	results := make(map[int64]int)

	for i, feed := range feeds {
		select {
		case <-ctx.Done():
			log.Printf("RefreshAll cancelled after %d/%d feeds", i, len(feeds))
			return results, ctx.Err()
		default:
		}

		_, count, err := s.RefreshFeed(ctx, feed.ID)
		if err != nil {
			log.Printf("Failed to refresh %s: %v", feed.URL, err)
			continue
		}
		results[feed.ID] = count
	}

	return results, nil
}

func (s *Syncer) refreshParallel(ctx context.Context, feeds []model.Feed) (map[int64]int, error) {
	var wg sync.WaitGroup

	results := make(map[int64]int)
	feedChan := make(chan model.Feed, len(feeds))
	resultChan := make(chan RefreshResult, len(feeds))

	for i := 0; i < s.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for feed := range feedChan {
				select {
				case <-ctx.Done():
					return
				default:
				}

				_, count, err := s.RefreshFeed(ctx, feed.ID)
				resultChan <- RefreshResult{FeedID: feed.ID, NewItems: count, Error: err}
			}
		}()
	}

	go func() {
		for _, feed := range feeds {
			select {
			case <-ctx.Done():
			case feedChan <- feed:
			}
		}
		close(feedChan)
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for result := range resultChan {
		if result.Error != nil {
			log.Printf("Failed to refresh feed %d: %v", result.FeedID, result.Error)
			continue
		}
		results[result.FeedID] = result.NewItems
	}

	return results, nil
}

// Poller runs continuous background refreshing.
type Poller struct {
	syncer   *Syncer
	store    database.Store
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewPoller creates a background poller.
func NewPoller(syncer *Syncer, store database.Store) *Poller {
	return &Poller{
		syncer:   syncer,
		store:    store,
		stopChan: make(chan struct{}),
	}
}

// Start begins the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			interval, _ := p.store.GetPollingInterval(context.Background())
			if interval < MinPollingIntervalMinutes {
				interval = MinPollingIntervalMinutes
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			results, err := p.syncer.RefreshAll(ctx)
			cancel()

			if err != nil {
				log.Printf("Poller error: %v", err)
			} else {
				total := 0
				for _, c := range results {
					total += c
				}
				log.Printf("Poller: fetched %d new articles from %d feeds (interval: %dm)", total, len(results), interval)
			}

			select {
			case <-p.stopChan:
				return
			case <-time.After(time.Duration(interval) * time.Minute):
			}
		}
	}()
}

// Stop stops the poller gracefully.
func (p *Poller) Stop() {
	close(p.stopChan)
	p.wg.Wait()
}
