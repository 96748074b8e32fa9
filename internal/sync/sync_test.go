package sync

import (
	"context"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/model"
	"github.com/feedvault/feedvault/internal/rss"
	"github.com/stretchr/testify/require"
)

// fakeSource is a controllable rss.Source for exercising the syncer.
type fakeSource struct {
	mu    gosync.Mutex
	calls int
	delay time.Duration
	feed  *rss.Feed
	err   error
}

func (s *fakeSource) Fetch(ctx context.Context, feedURL string) (*rss.Feed, error) {
	s.mu.Lock()
	s.calls++
	feed, err, delay := s.feed, s.err, s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	// Copy so callers cannot mutate the fixture.
	out := *feed
	return &out, nil
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeSource) set(feed *rss.Feed, err error) {
	s.mu.Lock()
	s.feed, s.err = feed, err
	s.mu.Unlock()
}

func remoteFeed(title string, n int) *rss.Feed {
	feed := &rss.Feed{Title: title, SiteURL: "https://example.com"}
	for i := 1; i <= n; i++ {
		published := time.Now().UTC().Add(-time.Duration(i) * time.Hour)
		feed.Items = append(feed.Items, rss.Item{
			GUID:        "item-" + string(rune('a'+i-1)),
			Title:       "Item",
			URL:         "",
			PublishedAt: &published,
		})
	}
	return feed
}

func newTestSyncer(t *testing.T) (*Syncer, *fakeSource, database.Store, int64) {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	user, err := store.CreateUser(context.Background(), "alice@example.com", "hash")
	require.NoError(t, err)

	source := &fakeSource{feed: remoteFeed("Remote Feed", 3)}
	return NewSyncer(store, source), source, store, user.ID
}

func TestValidateFeedURL(t *testing.T) {
	require.NoError(t, ValidateFeedURL("https://example.com/rss"))
	require.NoError(t, ValidateFeedURL("http://example.com/rss"))
	for _, raw := range []string{"", "not a url", "ftp://example.com/rss", "/relative/path", "example.com/rss"} {
		err := ValidateFeedURL(raw)
		require.True(t, apperr.IsKind(err, apperr.Validation), "expected validation error for %q", raw)
	}
}

func TestCreateFeedIngestsAndSubscribes(t *testing.T) {
	syncer, _, store, userID := newTestSyncer(t)
	ctx := context.Background()

	feed, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)
	require.Equal(t, "Remote Feed", feed.Title)
	require.Equal(t, int64(3), feed.UnreadCount)
	require.NotNil(t, feed.LastFetchedAt)

	articles, err := store.GetArticles(ctx, userID, database.ArticleQuery{})
	require.NoError(t, err)
	require.Len(t, articles, 3)
}

func TestCreateFeedFetchFailureIsAborted(t *testing.T) {
	syncer, source, store, userID := newTestSyncer(t)
	ctx := context.Background()
	source.set(nil, apperr.New(apperr.Fetch, "connection refused"))

	_, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.True(t, apperr.IsKind(err, apperr.Fetch))

	// Nothing was persisted: no feed, no subscription.
	_, err = store.GetFeedByURL(ctx, "https://example.com/rss")
	require.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestCreateFeedInvalidURL(t *testing.T) {
	syncer, source, _, userID := newTestSyncer(t)

	_, err := syncer.CreateFeed(context.Background(), userID, "not-a-url", nil)
	require.True(t, apperr.IsKind(err, apperr.Validation))
	require.Zero(t, source.callCount())
}

func TestCreateFeedSharedAcrossUsers(t *testing.T) {
	syncer, _, store, userID := newTestSyncer(t)
	ctx := context.Background()

	first, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)

	other, err := store.CreateUser(ctx, "bob@example.com", "hash")
	require.NoError(t, err)

	second, err := syncer.CreateFeed(ctx, other.ID, "https://example.com/rss", nil)
	require.NoError(t, err)

	// Same canonical feed, no duplicated articles.
	require.Equal(t, first.Feed.ID, second.Feed.ID)
	articles, err := store.GetArticles(ctx, other.ID, database.ArticleQuery{})
	require.NoError(t, err)
	require.Len(t, articles, 3)
}

// staleFeedStore makes GetFeedByURL miss a set number of times, standing in
// for a lookup that ran before a concurrent subscriber's insert landed.
type staleFeedStore struct {
	database.Store
	mu     gosync.Mutex
	misses int
}

func (s *staleFeedStore) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	s.mu.Lock()
	stale := s.misses > 0
	if stale {
		s.misses--
	}
	s.mu.Unlock()
	if stale {
		return nil, apperr.New(apperr.NotFound, "feed not found")
	}
	return s.Store.GetFeedByURL(ctx, url)
}

func TestCreateFeedInsertRaceAdoptsWinner(t *testing.T) {
	_, source, store, userID := newTestSyncer(t)
	ctx := context.Background()

	// The canonical feed already exists, created by another subscriber.
	winner, err := store.CreateUser(ctx, "bob@example.com", "hash")
	require.NoError(t, err)
	racing := NewSyncer(&staleFeedStore{Store: store, misses: 1}, source)
	existing, err := NewSyncer(store, source).CreateFeed(ctx, winner.ID, "https://example.com/rss", nil)
	require.NoError(t, err)

	// The stale lookup misses, the insert hits the unique URL constraint,
	// and the subscription still lands on the winner's row.
	sub, err := racing.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)
	require.Equal(t, existing.Feed.ID, sub.Feed.ID)
}

func TestCreateFeedAlreadySubscribed(t *testing.T) {
	syncer, _, _, userID := newTestSyncer(t)
	ctx := context.Background()

	_, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)
	_, err = syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestCreateFeedTitleFallback(t *testing.T) {
	syncer, source, _, userID := newTestSyncer(t)
	source.set(&rss.Feed{Title: ""}, nil)

	feed, err := syncer.CreateFeed(context.Background(), userID, "https://news.example.com/rss", nil)
	require.NoError(t, err)
	require.Equal(t, "news.example.com", feed.Title)
}

func TestRefreshFeedDedupesAcrossRuns(t *testing.T) {
	syncer, source, _, userID := newTestSyncer(t)
	ctx := context.Background()

	created, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)

	// Same remote items again: nothing new.
	_, n, err := syncer.RefreshFeed(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Zero(t, n)

	// One extra item appears upstream.
	grown := remoteFeed("Remote Feed", 4)
	source.set(grown, nil)
	_, n, err = syncer.RefreshFeed(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestRefreshFailureLeavesFeedUntouched(t *testing.T) {
	syncer, source, store, userID := newTestSyncer(t)
	ctx := context.Background()

	created, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)
	before, err := store.GetFeedByID(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.NotNil(t, before.LastFetchedAt)

	source.set(nil, apperr.New(apperr.Fetch, "timeout"))
	_, _, err = syncer.RefreshFeed(ctx, created.Feed.ID)
	require.True(t, apperr.IsKind(err, apperr.Fetch))

	// The failure is recorded, but title and last fetch time survive.
	after, err := store.GetFeedByID(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Equal(t, "timeout", after.LastError)
	require.Equal(t, before.Title, after.Title)
	require.WithinDuration(t, *before.LastFetchedAt, *after.LastFetchedAt, time.Second)

	articles, err := store.GetArticles(ctx, userID, database.ArticleQuery{})
	require.NoError(t, err)
	require.Len(t, articles, 3)

	// The next successful refresh clears the error.
	source.set(remoteFeed("Remote Feed", 3), nil)
	_, _, err = syncer.RefreshFeed(ctx, created.Feed.ID)
	require.NoError(t, err)
	recovered, err := store.GetFeedByID(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Empty(t, recovered.LastError)
}

func TestRefreshUpdatesRenamedFeed(t *testing.T) {
	syncer, source, store, userID := newTestSyncer(t)
	ctx := context.Background()

	created, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)

	renamed := remoteFeed("Renamed Remote Feed", 3)
	source.set(renamed, nil)
	feed, _, err := syncer.RefreshFeed(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Equal(t, "Renamed Remote Feed", feed.Title)

	stored, err := store.GetFeedByID(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Equal(t, "Renamed Remote Feed", stored.Title)
}

func TestConcurrentRefreshShareOneFlight(t *testing.T) {
	syncer, source, store, userID := newTestSyncer(t)
	ctx := context.Background()

	created, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)

	source.set(remoteFeed("Remote Feed", 5), nil)
	source.delay = 100 * time.Millisecond
	callsBefore := source.callCount()

	var wg gosync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = syncer.RefreshFeed(ctx, created.Feed.ID)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	// Concurrent refreshes of the same feed collapse to one fetch, and the
	// two new items are ingested exactly once.
	require.Equal(t, 1, source.callCount()-callsBefore)
	articles, err := store.GetArticles(ctx, userID, database.ArticleQuery{})
	require.NoError(t, err)
	require.Len(t, articles, 5)
}

func TestRefreshAll(t *testing.T) {
	syncer, _, _, userID := newTestSyncer(t)
	ctx := context.Background()

	a, err := syncer.CreateFeed(ctx, userID, "https://a.example.com/rss", nil)
	require.NoError(t, err)
	b, err := syncer.CreateFeed(ctx, userID, "https://b.example.com/rss", nil)
	require.NoError(t, err)

	results, err := syncer.RefreshAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Zero(t, results[a.Feed.ID])
	require.Zero(t, results[b.Feed.ID])
}

func TestRefreshAllSkipsFailingFeeds(t *testing.T) {
	syncer, source, store, userID := newTestSyncer(t)
	ctx := context.Background()

	created, err := syncer.CreateFeed(ctx, userID, "https://example.com/rss", nil)
	require.NoError(t, err)

	source.set(nil, apperr.New(apperr.Fetch, "unreachable"))
	results, err := syncer.RefreshAll(ctx)
	require.NoError(t, err)
	require.Empty(t, results)

	feed, err := store.GetFeedByID(ctx, created.Feed.ID)
	require.NoError(t, err)
	require.Equal(t, "unreachable", feed.LastError)
}

func TestPollerStartStop(t *testing.T) {
	syncer, _, store, _ := newTestSyncer(t)
	poller := NewPoller(syncer, store)
	poller.Start()

	done := make(chan struct{})
	go func() {
		poller.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not stop")
	}
}
