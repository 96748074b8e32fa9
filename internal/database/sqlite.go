package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/model"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
}

// Ensure DB implements Store interface.
var _ Store = (*DB)(nil)

// New opens or creates an SQLite database at the given path.
func New(path string) (*DB, error) {
	// WAL for better concurrency; foreign_keys for the detach/cascade rules.
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// DatabaseType returns the database backend name.
func (db *DB) DatabaseType() string {
	return "SQLite"
}

// SupportsHighConcurrency returns false: SQLite serializes writes.
func (db *DB) SupportsHighConcurrency() bool {
	return false
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS folders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(owner_id, name)
	);
	CREATE TABLE IF NOT EXISTS feeds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		url TEXT NOT NULL UNIQUE,
		site_url TEXT NOT NULL DEFAULT '',
		last_fetched_at DATETIME,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		folder_id INTEGER REFERENCES folders(id) ON DELETE SET NULL,
		custom_title TEXT NOT NULL DEFAULT '',
		notification_enabled INTEGER NOT NULL DEFAULT 0,
		notification_frequency TEXT NOT NULL DEFAULT 'daily',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(user_id, feed_id)
	);
	CREATE TABLE IF NOT EXISTS articles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid TEXT NOT NULL,
		title TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		author TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		excerpt TEXT NOT NULL DEFAULT '',
		published_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(feed_id, guid)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_articles_feed_url ON articles(feed_id, url) WHERE url <> '';
	CREATE TABLE IF NOT EXISTS article_reads (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		UNIQUE(article_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS bookmarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		article_id INTEGER NOT NULL REFERENCES articles(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at DATETIME NOT NULL,
		UNIQUE(article_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS feed_catalog (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL UNIQUE,
		logo_url TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		agency TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL DEFAULT '',
		popularity_score REAL NOT NULL DEFAULT 0,
		last_updated DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	-- Default polling interval (15 minutes minimum).
	INSERT OR IGNORE INTO settings (key, value) VALUES ('polling_interval_minutes', '15');
	CREATE INDEX IF NOT EXISTS idx_articles_feed_id ON articles(feed_id);
	CREATE INDEX IF NOT EXISTS idx_articles_published_at ON articles(published_at DESC);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_user_id ON subscriptions(user_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}
	return db.seedCatalog()
}

func (db *DB) seedCatalog() error {
	var n int64
	if err := db.conn.QueryRow("SELECT COUNT(*) FROM feed_catalog").Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, e := range defaultCatalog {
		entry := e
		if _, err := db.UpsertCatalogEntry(context.Background(), &entry); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- User Methods ---

// CreateUser inserts a user, failing with a conflict on duplicate email.
func (db *DB) CreateUser(ctx context.Context, email, passwordHash string) (*model.User, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?)",
		email, passwordHash, now, now)
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.Conflict, "email already registered")
	}
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.User{ID: id, Email: email, PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now}, nil
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		"SELECT id, email, display_name, avatar_url, password_hash, created_at, updated_at FROM users WHERE email = ?", email))
}

func (db *DB) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	return db.scanUser(db.conn.QueryRowContext(ctx,
		"SELECT id, email, display_name, avatar_url, password_hash, created_at, updated_at FROM users WHERE id = ?", id))
}

func (db *DB) scanUser(row *sql.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.AvatarURL, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "user not found")
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (db *DB) UpdateUserProfile(ctx context.Context, id int64, displayName, avatarURL string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET display_name = ?, avatar_url = ?, updated_at = ? WHERE id = ?",
		displayName, avatarURL, time.Now().UTC(), id)
	return err
}

func (db *DB) UpdateUserPassword(ctx context.Context, id int64, passwordHash string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		passwordHash, time.Now().UTC(), id)
	return err
}

// --- Session Methods ---

func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO sessions (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		s.Token, s.UserID, s.CreatedAt, s.ExpiresAt)
	return err
}

func (db *DB) GetSession(ctx context.Context, token string) (*model.Session, error) {
	var s model.Session
	err := db.conn.QueryRowContext(ctx,
		"SELECT token, user_id, created_at, expires_at FROM sessions WHERE token = ?", token).
		Scan(&s.Token, &s.UserID, &s.CreatedAt, &s.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.Auth, "no active session")
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (db *DB) TouchSession(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE sessions SET expires_at = ? WHERE token = ?", expiresAt, token)
	return err
}

func (db *DB) DeleteSession(ctx context.Context, token string) error {
	_, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	return err
}

func (db *DB) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Folder Methods ---

// GetFolders returns the user's folders ordered by name.
func (db *DB) GetFolders(ctx context.Context, ownerID int64) ([]model.Folder, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, owner_id, name, created_at, updated_at FROM folders WHERE owner_id = ? ORDER BY name", ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var folders []model.Folder
	for rows.Next() {
		var f model.Folder
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func (db *DB) GetFolderByID(ctx context.Context, ownerID, folderID int64) (*model.Folder, error) {
	var f model.Folder
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, owner_id, name, created_at, updated_at FROM folders WHERE id = ? AND owner_id = ?", folderID, ownerID).
		Scan(&f.ID, &f.OwnerID, &f.Name, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "folder not found")
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (db *DB) CreateFolder(ctx context.Context, ownerID int64, name string) (*model.Folder, error) {
	if err := validFolderName(name); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO folders (owner_id, name, created_at, updated_at) VALUES (?, ?, ?, ?)",
		ownerID, name, now, now)
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.Conflict, "folder already exists")
	}
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Folder{ID: id, OwnerID: ownerID, Name: name, CreatedAt: now, UpdatedAt: now}, nil
}

func (db *DB) RenameFolder(ctx context.Context, ownerID, folderID int64, name string) error {
	if err := validFolderName(name); err != nil {
		return err
	}
	res, err := db.conn.ExecContext(ctx,
		"UPDATE folders SET name = ?, updated_at = ? WHERE id = ? AND owner_id = ?",
		name, time.Now().UTC(), folderID, ownerID)
	if isUniqueViolation(err) {
		return apperr.New(apperr.Conflict, "folder already exists")
	}
	if err != nil {
		return err
	}
	return requireAffected(res, "folder not found")
}

// DeleteFolder removes the folder. Subscriptions referencing it are
// detached via ON DELETE SET NULL.
func (db *DB) DeleteFolder(ctx context.Context, ownerID, folderID int64) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM folders WHERE id = ? AND owner_id = ?", folderID, ownerID)
	if err != nil {
		return err
	}
	return requireAffected(res, "folder not found")
}

// GetFoldersWithFeeds returns folders ordered by name, each with its
// feeds ordered by title, followed by nothing for unfiled feeds (use
// GetUnfiledFeeds for those).
func (db *DB) GetFoldersWithFeeds(ctx context.Context, ownerID int64) ([]model.FolderWithFeeds, error) {
	folders, err := db.GetFolders(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var result []model.FolderWithFeeds
	for _, folder := range folders {
		id := folder.ID
		feeds, err := db.GetSubscribedFeeds(ctx, ownerID, &id)
		if err != nil {
			return nil, err
		}
		result = append(result, model.FolderWithFeeds{Folder: folder, Feeds: feeds})
	}
	return result, nil
}

// --- Feed Methods ---

const feedCols = "id, title, url, site_url, last_fetched_at, last_error, created_at, updated_at"

func (db *DB) GetFeedByID(ctx context.Context, feedID int64) (*model.Feed, error) {
	return scanFeed(db.conn.QueryRowContext(ctx,
		"SELECT "+feedCols+" FROM feeds WHERE id = ?", feedID))
}

func (db *DB) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	return scanFeed(db.conn.QueryRowContext(ctx,
		"SELECT "+feedCols+" FROM feeds WHERE url = ?", url))
}

func scanFeed(row *sql.Row) (*model.Feed, error) {
	var f model.Feed
	var lastFetched sql.NullTime
	err := row.Scan(&f.ID, &f.Title, &f.URL, &f.SiteURL, &lastFetched, &f.LastError, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "feed not found")
	}
	if err != nil {
		return nil, err
	}
	if lastFetched.Valid {
		t := lastFetched.Time
		f.LastFetchedAt = &t
	}
	return &f, nil
}

// GetAllFeeds returns every canonical feed, for the background poller.
func (db *DB) GetAllFeeds(ctx context.Context) ([]model.Feed, error) {
	rows, err := db.conn.QueryContext(ctx, "SELECT "+feedCols+" FROM feeds ORDER BY title")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var feeds []model.Feed
	for rows.Next() {
		var f model.Feed
		var lastFetched sql.NullTime
		if err := rows.Scan(&f.ID, &f.Title, &f.URL, &f.SiteURL, &lastFetched, &f.LastError, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, err
		}
		if lastFetched.Valid {
			t := lastFetched.Time
			f.LastFetchedAt = &t
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

func (db *DB) CreateFeed(ctx context.Context, title, url, siteURL string) (*model.Feed, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		"INSERT INTO feeds (title, url, site_url, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		title, url, siteURL, now, now)
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.Conflict, "feed already exists")
	}
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Feed{ID: id, Title: title, URL: url, SiteURL: siteURL, CreatedAt: now, UpdatedAt: now}, nil
}

func (db *DB) UpdateFeedTitle(ctx context.Context, feedID int64, title string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET title = ?, updated_at = ? WHERE id = ?", title, time.Now().UTC(), feedID)
	return err
}

func (db *DB) UpdateFeedFetched(ctx context.Context, feedID int64, t time.Time) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET last_fetched_at = ?, last_error = '', updated_at = ? WHERE id = ?",
		t, time.Now().UTC(), feedID)
	return err
}

func (db *DB) UpdateFeedError(ctx context.Context, feedID int64, errMsg string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE feeds SET last_error = ?, updated_at = ? WHERE id = ?",
		errMsg, time.Now().UTC(), feedID)
	return err
}

func (db *DB) DeleteOrphanFeeds(ctx context.Context) (int64, error) {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM feeds WHERE NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.feed_id = feeds.id)")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Subscription Methods ---

func (db *DB) CreateSubscription(ctx context.Context, userID, feedID int64, folderID *int64) (*model.Subscription, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO subscriptions (user_id, feed_id, folder_id, notification_frequency, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, feedID, folderID, model.FrequencyDaily, now, now)
	if isUniqueViolation(err) {
		return nil, apperr.New(apperr.Conflict, "already subscribed")
	}
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &model.Subscription{
		ID: id, UserID: userID, FeedID: feedID, FolderID: folderID,
		NotificationFreq: model.FrequencyDaily, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (db *DB) GetSubscription(ctx context.Context, userID, feedID int64) (*model.Subscription, error) {
	var s model.Subscription
	var enabled int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, feed_id, folder_id, custom_title, notification_enabled, notification_frequency, created_at, updated_at
		FROM subscriptions WHERE user_id = ? AND feed_id = ?`, userID, feedID).
		Scan(&s.ID, &s.UserID, &s.FeedID, &s.FolderID, &s.CustomTitle, &enabled, &s.NotificationFreq, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "not subscribed")
	}
	if err != nil {
		return nil, err
	}
	s.NotificationEnabled = enabled != 0
	return &s, nil
}

func (db *DB) MoveSubscription(ctx context.Context, userID, feedID int64, folderID *int64) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE subscriptions SET folder_id = ?, updated_at = ? WHERE user_id = ? AND feed_id = ?",
		folderID, time.Now().UTC(), userID, feedID)
	if err != nil {
		return err
	}
	return requireAffected(res, "not subscribed")
}

func (db *DB) SetSubscriptionTitle(ctx context.Context, userID, feedID int64, title string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE subscriptions SET custom_title = ?, updated_at = ? WHERE user_id = ? AND feed_id = ?",
		title, time.Now().UTC(), userID, feedID)
	if err != nil {
		return err
	}
	return requireAffected(res, "not subscribed")
}

func (db *DB) SetSubscriptionNotifications(ctx context.Context, userID, feedID int64, enabled bool, frequency string) error {
	res, err := db.conn.ExecContext(ctx,
		"UPDATE subscriptions SET notification_enabled = ?, notification_frequency = ?, updated_at = ? WHERE user_id = ? AND feed_id = ?",
		enabled, frequency, time.Now().UTC(), userID, feedID)
	if err != nil {
		return err
	}
	return requireAffected(res, "not subscribed")
}

func (db *DB) DeleteSubscription(ctx context.Context, userID, feedID int64) error {
	res, err := db.conn.ExecContext(ctx,
		"DELETE FROM subscriptions WHERE user_id = ? AND feed_id = ?", userID, feedID)
	if err != nil {
		return err
	}
	return requireAffected(res, "not subscribed")
}

const subscribedFeedQuery = `
	SELECT f.id,
		CASE WHEN s.custom_title <> '' THEN s.custom_title ELSE f.title END AS title,
		f.url, f.site_url, f.last_fetched_at, f.last_error, f.created_at, f.updated_at,
		s.id, s.folder_id, s.notification_enabled, s.notification_frequency,
		(SELECT COUNT(*) FROM articles a WHERE a.feed_id = f.id
			AND NOT EXISTS (SELECT 1 FROM article_reads r WHERE r.article_id = a.id AND r.user_id = s.user_id)) AS unread_count
	FROM subscriptions s
	JOIN feeds f ON f.id = s.feed_id
	WHERE s.user_id = ?`

// GetSubscribedFeeds returns the user's feeds ordered by effective title,
// optionally limited to one folder.
func (db *DB) GetSubscribedFeeds(ctx context.Context, userID int64, folderID *int64) ([]model.SubscribedFeed, error) {
	var rows *sql.Rows
	var err error
	if folderID == nil {
		rows, err = db.conn.QueryContext(ctx, subscribedFeedQuery+" ORDER BY title", userID)
	} else {
		rows, err = db.conn.QueryContext(ctx, subscribedFeedQuery+" AND s.folder_id = ? ORDER BY title", userID, *folderID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscribedFeeds(rows)
}

// GetUnfiledFeeds returns the user's feeds not assigned to any folder.
func (db *DB) GetUnfiledFeeds(ctx context.Context, userID int64) ([]model.SubscribedFeed, error) {
	rows, err := db.conn.QueryContext(ctx, subscribedFeedQuery+" AND s.folder_id IS NULL ORDER BY title", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSubscribedFeeds(rows)
}

func scanSubscribedFeeds(rows *sql.Rows) ([]model.SubscribedFeed, error) {
	var feeds []model.SubscribedFeed
	for rows.Next() {
		var f model.SubscribedFeed
		var lastFetched sql.NullTime
		if err := rows.Scan(&f.ID, &f.Title, &f.URL, &f.SiteURL, &lastFetched, &f.LastError,
			&f.CreatedAt, &f.UpdatedAt, &f.SubscriptionID, &f.FolderID,
			&f.NotificationEnabled, &f.NotificationFreq, &f.UnreadCount); err != nil {
			return nil, err
		}
		if lastFetched.Valid {
			t := lastFetched.Time
			f.LastFetchedAt = &t
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// --- Article Methods ---

// AddArticle inserts a new article unless the feed already has one with
// the same GUID or URL. Returns the ID and whether a row was inserted.
func (db *DB) AddArticle(ctx context.Context, a *model.Article) (int64, bool, error) {
	now := time.Now().UTC()
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO articles (feed_id, guid, title, url, author, content, excerpt, published_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.FeedID, a.GUID, a.Title, a.URL, a.Author, a.Content, a.Excerpt, a.PublishedAt, now, now)
	if err != nil {
		return 0, false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return 0, false, nil
	}
	id, _ := res.LastInsertId()
	return id, true, nil
}

const userArticleCols = `a.id, a.feed_id, a.guid, a.title, a.url, a.author, a.content, a.excerpt,
		a.published_at, a.created_at, a.updated_at,
		EXISTS (SELECT 1 FROM article_reads r WHERE r.article_id = a.id AND r.user_id = ?) AS is_read,
		EXISTS (SELECT 1 FROM bookmarks b WHERE b.article_id = a.id AND b.user_id = ?) AS is_bookmarked`

// GetArticles lists articles visible to the user, newest first unless
// ascending is requested. Articles without a published date sort by their
// ingestion time.
func (db *DB) GetArticles(ctx context.Context, userID int64, q ArticleQuery) ([]model.UserArticle, error) {
	query := "SELECT " + userArticleCols + " FROM articles a"
	args := []any{userID, userID}
	if q.BookmarkedOnly {
		// Bookmarks outlive subscriptions, so join on the bookmark itself.
		query += " JOIN bookmarks bk ON bk.article_id = a.id AND bk.user_id = ?"
		args = append(args, userID)
	} else {
		query += " JOIN subscriptions s ON s.feed_id = a.feed_id AND s.user_id = ?"
		args = append(args, userID)
	}
	query += " WHERE 1=1"
	if q.FeedID != nil {
		query += " AND a.feed_id = ?"
		args = append(args, *q.FeedID)
	}
	if q.FolderID != nil {
		if q.BookmarkedOnly {
			// No subscriptions join in the bookmark path, so scope by subquery.
			query += " AND EXISTS (SELECT 1 FROM subscriptions fs WHERE fs.feed_id = a.feed_id AND fs.user_id = ? AND fs.folder_id = ?)"
			args = append(args, userID, *q.FolderID)
		} else {
			query += " AND s.folder_id = ?"
			args = append(args, *q.FolderID)
		}
	}
	if q.UnreadOnly {
		query += " AND NOT EXISTS (SELECT 1 FROM article_reads r WHERE r.article_id = a.id AND r.user_id = ?)"
		args = append(args, userID)
	}
	if q.Ascending {
		query += " ORDER BY COALESCE(a.published_at, a.created_at) ASC"
	} else {
		query += " ORDER BY COALESCE(a.published_at, a.created_at) DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanUserArticles(rows)
}

func (db *DB) GetArticleByID(ctx context.Context, userID, articleID int64) (*model.UserArticle, error) {
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+userArticleCols+" FROM articles a WHERE a.id = ?", userID, userID, articleID)
	var a model.UserArticle
	var publishedAt sql.NullTime
	err := row.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.URL, &a.Author, &a.Content, &a.Excerpt,
		&publishedAt, &a.CreatedAt, &a.UpdatedAt, &a.IsRead, &a.IsBookmarked)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "article not found")
	}
	if err != nil {
		return nil, err
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		a.PublishedAt = &t
	}
	return &a, nil
}

func scanUserArticles(rows *sql.Rows) ([]model.UserArticle, error) {
	var articles []model.UserArticle
	for rows.Next() {
		var a model.UserArticle
		var publishedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.FeedID, &a.GUID, &a.Title, &a.URL, &a.Author, &a.Content, &a.Excerpt,
			&publishedAt, &a.CreatedAt, &a.UpdatedAt, &a.IsRead, &a.IsBookmarked); err != nil {
			return nil, err
		}
		if publishedAt.Valid {
			t := publishedAt.Time
			a.PublishedAt = &t
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// MarkArticleRead records the read; marking an already-read article is a no-op.
func (db *DB) MarkArticleRead(ctx context.Context, articleID, userID int64) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO article_reads (article_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
		articleID, userID, time.Now().UTC())
	return err
}

// MarkArticlesRead marks multiple articles as read.
func (db *DB) MarkArticlesRead(ctx context.Context, userID int64, articleIDs []int64) error {
	if len(articleIDs) == 0 {
		return nil
	}
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO article_reads (article_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING")
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()
	now := time.Now().UTC()
	for _, id := range articleIDs {
		if _, err := stmt.ExecContext(ctx, id, userID, now); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// SetBookmark sets the desired bookmark state. Setting an existing state
// again is a no-op.
func (db *DB) SetBookmark(ctx context.Context, articleID, userID int64, bookmarked bool) error {
	if bookmarked {
		_, err := db.conn.ExecContext(ctx,
			"INSERT INTO bookmarks (article_id, user_id, created_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
			articleID, userID, time.Now().UTC())
		return err
	}
	_, err := db.conn.ExecContext(ctx,
		"DELETE FROM bookmarks WHERE article_id = ? AND user_id = ?", articleID, userID)
	return err
}

// --- Catalog Methods ---

const catalogCols = "id, title, description, url, logo_url, category, agency, tags, popularity_score, last_updated, created_at, updated_at"

// GetCatalog lists catalog entries, most popular first.
func (db *DB) GetCatalog(ctx context.Context, q CatalogQuery) ([]model.CatalogEntry, error) {
	query := "SELECT " + catalogCols + " FROM feed_catalog WHERE 1=1"
	var args []any
	if q.Category != "" {
		query += " AND category = ?"
		args = append(args, q.Category)
	}
	if q.Agency != "" {
		query += " AND agency = ?"
		args = append(args, q.Agency)
	}
	if q.Search != "" {
		query += " AND (title LIKE ? OR description LIKE ?)"
		pattern := "%" + q.Search + "%"
		args = append(args, pattern, pattern)
	}
	query += " ORDER BY popularity_score DESC, title"
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []model.CatalogEntry
	for rows.Next() {
		e, err := scanCatalogEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (db *DB) GetCatalogEntry(ctx context.Context, id int64) (*model.CatalogEntry, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+catalogCols+" FROM feed_catalog WHERE id = ?", id)
	e, err := scanCatalogEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.NotFound, "catalog entry not found")
	}
	return e, err
}

func scanCatalogEntry(scan func(...any) error) (*model.CatalogEntry, error) {
	var e model.CatalogEntry
	var tags string
	var lastUpdated sql.NullTime
	if err := scan(&e.ID, &e.Title, &e.Description, &e.URL, &e.LogoURL, &e.Category, &e.Agency,
		&tags, &e.Popularity, &lastUpdated, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Tags = splitTags(tags)
	if lastUpdated.Valid {
		t := lastUpdated.Time
		e.LastUpdated = &t
	}
	return &e, nil
}

func (db *DB) UpsertCatalogEntry(ctx context.Context, e *model.CatalogEntry) (int64, error) {
	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO feed_catalog (title, description, url, logo_url, category, agency, tags, popularity_score, last_updated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			title = excluded.title, description = excluded.description, logo_url = excluded.logo_url,
			category = excluded.category, agency = excluded.agency, tags = excluded.tags,
			popularity_score = excluded.popularity_score, last_updated = excluded.last_updated,
			updated_at = excluded.updated_at`,
		e.Title, e.Description, e.URL, e.LogoURL, e.Category, e.Agency, joinTags(e.Tags),
		e.Popularity, e.LastUpdated, now, now)
	if err != nil {
		return 0, err
	}
	var id int64
	if err := db.conn.QueryRowContext(ctx, "SELECT id FROM feed_catalog WHERE url = ?", e.URL).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// --- Settings Methods ---

// GetSetting retrieves a setting value.
func (db *DB) GetSetting(ctx context.Context, key string) (string, error) {
	var val string
	err := db.conn.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", apperr.New(apperr.NotFound, "setting not found")
	}
	return val, err
}

// SetSetting saves a setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = ?", key, value, value)
	return err
}

// GetPollingInterval returns the polling interval in minutes, with a minimum of 15.
func (db *DB) GetPollingInterval(ctx context.Context) (int, error) {
	val, err := db.GetSetting(ctx, model.SettingPollingInterval)
	if err != nil {
		return 15, nil // default
	}
	var mins int
	fmt.Sscanf(val, "%d", &mins)
	if mins < 15 {
		mins = 15
	}
	return mins, nil
}

// --- Helpers ---

func requireAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.New(apperr.NotFound, notFoundMsg)
	}
	return nil
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}
