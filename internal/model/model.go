// Package model defines shared data structures.
package model

import "time"

// User is an identity principal. PasswordHash never leaves the server.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session is an opaque-token login session for a user.
type Session struct {
	Token     string    `json:"token"`
	UserID    int64     `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Folder is a named, user-owned grouping of feed subscriptions.
type Folder struct {
	ID        int64     `json:"id"`
	OwnerID   int64     `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Feed is a canonical RSS/Atom source, deduplicated by URL and shared by
// every subscriber. Per-user state lives on Subscription.
type Feed struct {
	ID            int64      `json:"id"`
	Title         string     `json:"title"`
	URL           string     `json:"url"`
	SiteURL       string     `json:"site_url,omitempty"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Notification frequency values for a subscription.
const (
	FrequencyRealtime = "realtime"
	FrequencyDaily    = "daily"
	FrequencyWeekly   = "weekly"
)

// ValidFrequency reports whether s is a recognized notification frequency.
func ValidFrequency(s string) bool {
	return s == FrequencyRealtime || s == FrequencyDaily || s == FrequencyWeekly
}

// Subscription joins a user to a canonical feed.
type Subscription struct {
	ID                  int64     `json:"id"`
	UserID              int64     `json:"user_id"`
	FeedID              int64     `json:"feed_id"`
	FolderID            *int64    `json:"folder_id,omitempty"`
	CustomTitle         string    `json:"custom_title,omitempty"`
	NotificationEnabled bool      `json:"notification_enabled"`
	NotificationFreq    string    `json:"notification_frequency"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Article is one ingested item from a feed. Articles are shared across
// subscribers; read/bookmark state is per user.
type Article struct {
	ID          int64      `json:"id"`
	FeedID      int64      `json:"feed_id"`
	GUID        string     `json:"guid"`
	Title       string     `json:"title"`
	URL         string     `json:"url"`
	Author      string     `json:"author,omitempty"`
	Content     string     `json:"content,omitempty"`
	Excerpt     string     `json:"excerpt,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CatalogEntry is a curated, publicly browsable feed suggestion.
type CatalogEntry struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url"`
	LogoURL     string     `json:"logo_url,omitempty"`
	Category    string     `json:"category"`
	Agency      string     `json:"agency,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Popularity  float64    `json:"popularity_score"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// UserArticle is an article projected for one user, with read/bookmark
// state collapsed to booleans.
type UserArticle struct {
	Article
	IsRead       bool `json:"is_read"`
	IsBookmarked bool `json:"is_bookmarked"`
}

// SubscribedFeed is a feed projected for one subscriber. Title carries the
// subscription's custom title when one is set.
type SubscribedFeed struct {
	Feed
	SubscriptionID      int64  `json:"subscription_id"`
	FolderID            *int64 `json:"folder_id,omitempty"`
	NotificationEnabled bool   `json:"notification_enabled"`
	NotificationFreq    string `json:"notification_frequency"`
	UnreadCount         int64  `json:"unread_count"`
}

// FolderWithFeeds is a folder together with the subscriber's feeds in it.
type FolderWithFeeds struct {
	Folder
	Feeds []SubscribedFeed `json:"feeds"`
}

// Settings key constants.
const (
	SettingPollingInterval = "polling_interval_minutes"
)
