// Package database provides storage backends for the feed reader.
package database

import (
	"context"
	"strings"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/model"
)

// validFolderName rejects blank folder names before they reach SQL.
func validFolderName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.Validation, "folder name is required")
	}
	return nil
}

// ArticleQuery narrows and orders an article listing for one user.
type ArticleQuery struct {
	FeedID         *int64
	FolderID       *int64
	UnreadOnly     bool
	BookmarkedOnly bool
	Ascending      bool
	Limit          int
}

// CatalogQuery filters the public feed catalog.
type CatalogQuery struct {
	Category string
	Agency   string
	Search   string
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// User operations
	CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	UpdateUserProfile(ctx context.Context, id int64, displayName, avatarURL string) error
	UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error

	// Session operations
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, token string) (*model.Session, error)
	TouchSession(ctx context.Context, token string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	// Folder operations
	GetFolders(ctx context.Context, ownerID int64) ([]model.Folder, error)
	GetFolderByID(ctx context.Context, ownerID, folderID int64) (*model.Folder, error)
	CreateFolder(ctx context.Context, ownerID int64, name string) (*model.Folder, error)
	RenameFolder(ctx context.Context, ownerID, folderID int64, name string) error
	// DeleteFolder removes the folder; subscriptions in it are detached,
	// never deleted.
	DeleteFolder(ctx context.Context, ownerID, folderID int64) error
	GetFoldersWithFeeds(ctx context.Context, ownerID int64) ([]model.FolderWithFeeds, error)

	// Feed operations (canonical feeds, shared across subscribers)
	GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*model.Feed, error)
	GetAllFeeds(ctx context.Context) ([]model.Feed, error)
	CreateFeed(ctx context.Context, title, url, siteURL string) (*model.Feed, error)
	UpdateFeedTitle(ctx context.Context, feedID int64, title string) error
	// UpdateFeedFetched records a successful fetch and clears any previous error.
	UpdateFeedFetched(ctx context.Context, feedID int64, t time.Time) error
	UpdateFeedError(ctx context.Context, feedID int64, errMsg string) error
	// DeleteOrphanFeeds removes canonical feeds no user subscribes to.
	DeleteOrphanFeeds(ctx context.Context) (int64, error)

	// Subscription operations
	CreateSubscription(ctx context.Context, userID, feedID int64, folderID *int64) (*model.Subscription, error)
	GetSubscription(ctx context.Context, userID, feedID int64) (*model.Subscription, error)
	MoveSubscription(ctx context.Context, userID, feedID int64, folderID *int64) error
	// SetSubscriptionTitle sets a per-user title override; empty clears it.
	SetSubscriptionTitle(ctx context.Context, userID, feedID int64, title string) error
	SetSubscriptionNotifications(ctx context.Context, userID, feedID int64, enabled bool, frequency string) error
	DeleteSubscription(ctx context.Context, userID, feedID int64) error
	GetSubscribedFeeds(ctx context.Context, userID int64, folderID *int64) ([]model.SubscribedFeed, error)
	GetUnfiledFeeds(ctx context.Context, userID int64) ([]model.SubscribedFeed, error)

	// Article operations
	// AddArticle inserts unless an article with the same GUID or URL already
	// exists for the feed. Returns the ID and whether a row was inserted.
	AddArticle(ctx context.Context, a *model.Article) (int64, bool, error)
	GetArticles(ctx context.Context, userID int64, q ArticleQuery) ([]model.UserArticle, error)
	GetArticleByID(ctx context.Context, userID, articleID int64) (*model.UserArticle, error)
	// MarkArticleRead is idempotent: marking twice leaves exactly one row.
	MarkArticleRead(ctx context.Context, articleID, userID int64) error
	MarkArticlesRead(ctx context.Context, userID int64, articleIDs []int64) error
	// SetBookmark sets the desired bookmark state rather than toggling.
	SetBookmark(ctx context.Context, articleID, userID int64, bookmarked bool) error

	// Catalog operations
	GetCatalog(ctx context.Context, q CatalogQuery) ([]model.CatalogEntry, error)
	GetCatalogEntry(ctx context.Context, id int64) (*model.CatalogEntry, error)
	UpsertCatalogEntry(ctx context.Context, e *model.CatalogEntry) (int64, error)

	// Settings operations
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	GetPollingInterval(ctx context.Context) (int, error)
}

// defaultCatalog seeds the discovery catalog on first migration.
var defaultCatalog = []model.CatalogEntry{
	{Title: "NASA Breaking News", Description: "Latest news from NASA missions and research.", URL: "https://www.nasa.gov/rss/dyn/breaking_news.rss", Category: "Science", Agency: "NASA", Tags: []string{"space", "science"}, Popularity: 98},
	{Title: "NOAA News", Description: "Announcements from the National Oceanic and Atmospheric Administration.", URL: "https://www.noaa.gov/news.xml", Category: "Science", Agency: "NOAA", Tags: []string{"weather", "climate"}, Popularity: 71},
	{Title: "CDC Newsroom", Description: "Press releases from the Centers for Disease Control and Prevention.", URL: "https://tools.cdc.gov/api/v2/resources/media/rss", Category: "Health", Agency: "CDC", Tags: []string{"health"}, Popularity: 84},
	{Title: "FDA Press Releases", Description: "Food and Drug Administration announcements.", URL: "https://www.fda.gov/about-fda/contact-fda/stay-informed/rss-feeds/press-releases/rss.xml", Category: "Health", Agency: "FDA", Tags: []string{"health", "regulation"}, Popularity: 62},
	{Title: "NIST News", Description: "Research news from the National Institute of Standards and Technology.", URL: "https://www.nist.gov/news-events/news/rss.xml", Category: "Technology", Agency: "NIST", Tags: []string{"standards", "research"}, Popularity: 45},
	{Title: "TechCrunch", Description: "Startup and technology industry news.", URL: "https://techcrunch.com/feed/", Category: "Technology", Tags: []string{"startups", "tech"}, Popularity: 95},
	{Title: "The Verge", Description: "Technology, science, art, and culture.", URL: "https://www.theverge.com/rss/index.xml", Category: "Technology", Tags: []string{"tech", "culture"}, Popularity: 92},
	{Title: "Dev.to", Description: "Community posts from software developers.", URL: "https://dev.to/feed", Category: "Development", Tags: []string{"programming"}, Popularity: 77},
}
