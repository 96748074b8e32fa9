package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/feedvault/feedvault/internal/auth"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/model"
	"github.com/feedvault/feedvault/internal/rss"
	feedsync "github.com/feedvault/feedvault/internal/sync"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	authSvc := auth.NewService(store, time.Hour, bcrypt.MinCost)
	syncer := feedsync.NewSyncer(store, rss.NewFixtureSource())
	srv := New(store, authSvc, syncer, 5*time.Second)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// client wraps the test server with token handling and JSON codecs.
type client struct {
	t     *testing.T
	base  string
	token string
}

func (c *client) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, data
}

func (c *client) doJSON(method, path string, body, out any) int {
	c.t.Helper()
	status, data := c.do(method, path, body)
	if out != nil && len(data) > 0 {
		require.NoError(c.t, json.Unmarshal(data, out))
	}
	return status
}

func signUp(t *testing.T, ts *httptest.Server, email string) *client {
	t.Helper()
	c := &client{t: t, base: ts.URL}
	var resp struct {
		Token string      `json:"token"`
		User  *model.User `json:"user"`
	}
	status := c.doJSON(http.MethodPost, "/api/auth/signup",
		map[string]string{"email": email, "password": "correct horse"}, &resp)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, resp.Token)
	c.token = resp.Token
	return c
}

func TestAuthFlow(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	var me model.User
	status := c.doJSON(http.MethodGet, "/api/auth/me", nil, &me)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "alice@example.com", me.Email)

	status = c.doJSON(http.MethodPost, "/api/auth/signout", nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = c.doJSON(http.MethodGet, "/api/auth/me", nil, nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestAuthValidationAndConflicts(t *testing.T) {
	ts := newTestServer(t)
	c := &client{t: t, base: ts.URL}

	status, _ := c.do(http.MethodPost, "/api/auth/signup", map[string]string{"email": "bad", "password": "correct horse"})
	require.Equal(t, http.StatusBadRequest, status)

	signUp(t, ts, "alice@example.com")
	status, _ = c.do(http.MethodPost, "/api/auth/signup", map[string]string{"email": "alice@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusConflict, status)

	status, _ = c.do(http.MethodPost, "/api/auth/signin", map[string]string{"email": "alice@example.com", "password": "wrong password"})
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	ts := newTestServer(t)
	c := &client{t: t, base: ts.URL}

	for _, path := range []string{"/api/feeds", "/api/folders", "/api/articles", "/api/settings"} {
		status, _ := c.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusUnauthorized, status, "expected 401 for %s", path)
	}

	// Catalog browsing stays public.
	status, _ := c.do(http.MethodGet, "/api/catalog", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestFeedLifecycle(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	var created model.SubscribedFeed
	status := c.doJSON(http.MethodPost, "/api/feeds",
		map[string]any{"url": "https://example.com/rss"}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "Demo Feed", created.Title)
	require.Equal(t, int64(3), created.UnreadCount)

	// Subscribing twice conflicts.
	status, _ = c.do(http.MethodPost, "/api/feeds", map[string]any{"url": "https://example.com/rss"})
	require.Equal(t, http.StatusConflict, status)

	var feeds []model.SubscribedFeed
	status = c.doJSON(http.MethodGet, "/api/feeds", nil, &feeds)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, feeds, 1)

	var single model.SubscribedFeed
	status = c.doJSON(http.MethodGet, "/api/feeds/"+itoa(created.Feed.ID), nil, &single)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, created.Feed.ID, single.Feed.ID)

	// Rename via per-user title override.
	var sub model.Subscription
	status = c.doJSON(http.MethodPatch, "/api/feeds/"+itoa(created.Feed.ID),
		map[string]any{"title": "My Demo"}, &sub)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "My Demo", sub.CustomTitle)

	status = c.doJSON(http.MethodGet, "/api/feeds/"+itoa(created.Feed.ID), nil, &single)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "My Demo", single.Title)

	// Refresh finds nothing new: fixture items are stable.
	var refreshed struct {
		NewItems int `json:"new_items"`
	}
	status = c.doJSON(http.MethodPost, "/api/feeds/"+itoa(created.Feed.ID)+"/refresh", nil, &refreshed)
	require.Equal(t, http.StatusOK, status)
	require.Zero(t, refreshed.NewItems)

	status, _ = c.do(http.MethodDelete, "/api/feeds/"+itoa(created.Feed.ID), nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = c.do(http.MethodGet, "/api/feeds/"+itoa(created.Feed.ID), nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestSubscriptionNotificationPrefs(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	var created model.SubscribedFeed
	c.doJSON(http.MethodPost, "/api/feeds", map[string]any{"url": "https://example.com/rss"}, &created)

	var sub model.Subscription
	status := c.doJSON(http.MethodPut, "/api/feeds/"+itoa(created.Feed.ID)+"/subscription",
		map[string]any{"notification_enabled": true, "notification_frequency": "weekly"}, &sub)
	require.Equal(t, http.StatusOK, status)
	require.True(t, sub.NotificationEnabled)
	require.Equal(t, model.FrequencyWeekly, sub.NotificationFreq)

	status, _ = c.do(http.MethodPut, "/api/feeds/"+itoa(created.Feed.ID)+"/subscription",
		map[string]any{"notification_frequency": "hourly"})
	require.Equal(t, http.StatusBadRequest, status)
}

func TestCreateFolderRequiresName(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	status := c.doJSON(http.MethodPost, "/api/folders", map[string]string{"name": ""}, nil)
	require.Equal(t, http.StatusBadRequest, status)
	status = c.doJSON(http.MethodPost, "/api/folders", map[string]string{"name": "  "}, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestFoldersAndArticles(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	var folder model.Folder
	status := c.doJSON(http.MethodPost, "/api/folders", map[string]string{"name": "Tech"}, &folder)
	require.Equal(t, http.StatusCreated, status)

	var created model.SubscribedFeed
	status = c.doJSON(http.MethodPost, "/api/feeds",
		map[string]any{"url": "https://example.com/rss", "folder_id": folder.ID}, &created)
	require.Equal(t, http.StatusCreated, status)

	var sidebar struct {
		Folders []model.FolderWithFeeds `json:"folders"`
		Unfiled []model.SubscribedFeed  `json:"unfiled"`
	}
	status = c.doJSON(http.MethodGet, "/api/folders", nil, &sidebar)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, sidebar.Folders, 1)
	require.Len(t, sidebar.Folders[0].Feeds, 1)
	require.Empty(t, sidebar.Unfiled)

	var articles []model.UserArticle
	status = c.doJSON(http.MethodGet, "/api/articles?folder_id="+itoa(folder.ID), nil, &articles)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, articles, 3)

	// Mark one read and bookmark another.
	status, _ = c.do(http.MethodPost, "/api/articles/"+itoa(articles[0].ID)+"/read", nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = c.do(http.MethodPut, "/api/articles/"+itoa(articles[1].ID)+"/bookmark",
		map[string]any{"bookmarked": true})
	require.Equal(t, http.StatusOK, status)

	var unread []model.UserArticle
	c.doJSON(http.MethodGet, "/api/articles?unread=true", nil, &unread)
	require.Len(t, unread, 2)

	var bookmarked []model.UserArticle
	c.doJSON(http.MethodGet, "/api/articles?bookmarked=true", nil, &bookmarked)
	require.Len(t, bookmarked, 1)
	require.Equal(t, articles[1].ID, bookmarked[0].ID)

	// Bulk mark the rest.
	var ids []int64
	for _, a := range unread {
		ids = append(ids, a.ID)
	}
	status, _ = c.do(http.MethodPost, "/api/articles/read", map[string]any{"article_ids": ids})
	require.Equal(t, http.StatusOK, status)
	c.doJSON(http.MethodGet, "/api/articles?unread=true", nil, &unread)
	require.Empty(t, unread)

	// Deleting the folder detaches the feed without unsubscribing.
	status, _ = c.do(http.MethodDelete, "/api/folders/"+itoa(folder.ID), nil)
	require.Equal(t, http.StatusOK, status)
	c.doJSON(http.MethodGet, "/api/folders", nil, &sidebar)
	require.Empty(t, sidebar.Folders)
	require.Len(t, sidebar.Unfiled, 1)
}

func TestArticleNotFound(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	status, _ := c.do(http.MethodGet, "/api/articles/99999", nil)
	require.Equal(t, http.StatusNotFound, status)
	status, _ = c.do(http.MethodPost, "/api/articles/99999/read", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestCatalogBrowseAndSubscribe(t *testing.T) {
	ts := newTestServer(t)
	c := &client{t: t, base: ts.URL}

	var entries []model.CatalogEntry
	status := c.doJSON(http.MethodGet, "/api/catalog", nil, &entries)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, entries)

	var filtered []model.CatalogEntry
	c.doJSON(http.MethodGet, "/api/catalog?category=Science", nil, &filtered)
	for _, e := range filtered {
		require.Equal(t, "Science", e.Category)
	}

	// Subscribing needs a session.
	status, _ = c.do(http.MethodPost, "/api/catalog/"+itoa(entries[0].ID)+"/subscribe", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	c = signUp(t, ts, "alice@example.com")
	var created model.SubscribedFeed
	status = c.doJSON(http.MethodPost, "/api/catalog/"+itoa(entries[0].ID)+"/subscribe", nil, &created)
	require.Equal(t, http.StatusCreated, status)
	require.NotZero(t, created.SubscriptionID)

	status, _ = c.do(http.MethodPost, "/api/catalog/99999/subscribe", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestSettingsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	var settings struct {
		PollingInterval int `json:"polling_interval"`
	}
	status := c.doJSON(http.MethodGet, "/api/settings", nil, &settings)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 15, settings.PollingInterval)

	// Below-minimum values are clamped.
	status = c.doJSON(http.MethodPost, "/api/settings", map[string]int{"polling_interval": 5}, &settings)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 15, settings.PollingInterval)

	status = c.doJSON(http.MethodPost, "/api/settings", map[string]int{"polling_interval": 60}, &settings)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 60, settings.PollingInterval)
}

func TestCleanupEndpoint(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	var created model.SubscribedFeed
	c.doJSON(http.MethodPost, "/api/feeds", map[string]any{"url": "https://example.com/rss"}, &created)
	status, _ := c.do(http.MethodDelete, "/api/feeds/"+itoa(created.Feed.ID), nil)
	require.Equal(t, http.StatusOK, status)

	var result struct {
		OrphanFeeds int64 `json:"orphan_feeds"`
	}
	status = c.doJSON(http.MethodPost, "/api/cleanup", nil, &result)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, int64(1), result.OrphanFeeds)
}

func TestOPMLImportExport(t *testing.T) {
	ts := newTestServer(t)
	c := signUp(t, ts, "alice@example.com")

	opmlDoc := `<?xml version="1.0"?>
<opml version="2.0"><head><title>subs</title></head><body>
<outline text="Tech">
<outline text="Example" type="rss" xmlUrl="https://example.com/rss"/>
</outline>
<outline text="Loose" type="rss" xmlUrl="https://example.com/loose"/>
</body></opml>`

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("opml", "subs.opml")
	require.NoError(t, err)
	_, err = fw.Write([]byte(opmlDoc))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/import-opml", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		Imported int `json:"imported"`
		Total    int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	require.Equal(t, 2, result.Imported)
	require.Equal(t, 2, result.Total)

	var feeds []model.SubscribedFeed
	c.doJSON(http.MethodGet, "/api/feeds", nil, &feeds)
	require.Len(t, feeds, 2)

	status, data := c.do(http.MethodGet, "/api/export-opml", nil)
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(data), "https://example.com/rss")
	require.Contains(t, string(data), "https://example.com/loose")
	require.Contains(t, string(data), `text="Tech"`)
}

func TestProxyValidation(t *testing.T) {
	ts := newTestServer(t)
	c := &client{t: t, base: ts.URL}

	status, _ := c.do(http.MethodGet, "/proxy?url=not-a-url", nil)
	require.Equal(t, http.StatusBadRequest, status)
	status, _ = c.do(http.MethodGet, "/proxy", nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
