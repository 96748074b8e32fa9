package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/feedvault/feedvault/internal/apperr"
	"github.com/feedvault/feedvault/internal/auth"
	"github.com/feedvault/feedvault/internal/database"
	"github.com/feedvault/feedvault/internal/model"
	"github.com/feedvault/feedvault/internal/opml"
	syncer "github.com/feedvault/feedvault/internal/sync"
)

// --- Auth Handlers ---

type sessionResponse struct {
	User      *model.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	user, session, err := s.auth.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	setSessionCookie(w, session.Token, session.ExpiresAt)
	s.respond(w, http.StatusCreated, sessionResponse{User: user, Token: session.Token, ExpiresAt: session.ExpiresAt})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	user, session, err := s.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	setSessionCookie(w, session.Token, session.ExpiresAt)
	s.respond(w, http.StatusOK, sessionResponse{User: user, Token: session.Token, ExpiresAt: session.ExpiresAt})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.SignOut(r.Context(), auth.TokenFrom(r)); err != nil {
		s.fail(w, err)
		return
	}
	clearSessionCookie(w)
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	s.respond(w, http.StatusOK, user)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	var req struct {
		DisplayName string `json:"display_name"`
		AvatarURL   string `json:"avatar_url"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	updated, err := s.auth.UpdateProfile(r.Context(), user.ID, req.DisplayName, req.AvatarURL)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, updated)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.auth.ChangePassword(r.Context(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func setSessionCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// --- Folder Handlers ---

func (s *Server) handleGetFolders(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	folders, err := s.store.GetFoldersWithFeeds(r.Context(), user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	unfiled, err := s.store.GetUnfiledFeeds(r.Context(), user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"folders": folders,
		"unfiled": unfiled,
	})
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	folder, err := s.store.CreateFolder(r.Context(), user.ID, req.Name)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, folder)
}

func (s *Server) handleRenameFolder(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	folderID, err := urlID(r, "folderID")
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.RenameFolder(r.Context(), user.ID, folderID, req.Name); err != nil {
		s.fail(w, err)
		return
	}
	folder, err := s.store.GetFolderByID(r.Context(), user.ID, folderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, folder)
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	folderID, err := urlID(r, "folderID")
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.DeleteFolder(r.Context(), user.ID, folderID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Feed Handlers ---

func (s *Server) handleGetFeeds(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	var folderID *int64
	if v := r.URL.Query().Get("folder_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, apperr.New(apperr.Validation, "invalid folder_id"))
			return
		}
		folderID = &id
	}
	feeds, err := s.store.GetSubscribedFeeds(r.Context(), user.ID, folderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, feeds)
}

func (s *Server) handleCreateFeed(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	var req struct {
		URL      string `json:"url"`
		FolderID *int64 `json:"folder_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.FolderID != nil {
		if _, err := s.store.GetFolderByID(r.Context(), user.ID, *req.FolderID); err != nil {
			s.fail(w, err)
			return
		}
	}
	feed, err := s.syncer.CreateFeed(r.Context(), user.ID, req.URL, req.FolderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, feed)
}

func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	feedID, err := urlID(r, "feedID")
	if err != nil {
		s.fail(w, err)
		return
	}
	feeds, err := s.store.GetSubscribedFeeds(r.Context(), user.ID, nil)
	if err != nil {
		s.fail(w, err)
		return
	}
	for _, f := range feeds {
		if f.Feed.ID == feedID {
			s.respond(w, http.StatusOK, f)
			return
		}
	}
	s.fail(w, apperr.New(apperr.NotFound, "subscription not found"))
}

func (s *Server) handleUpdateFeed(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	feedID, err := urlID(r, "feedID")
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		Title    *string         `json:"title"`
		FolderID json.RawMessage `json:"folder_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.store.GetSubscription(r.Context(), user.ID, feedID); err != nil {
		s.fail(w, err)
		return
	}

	if req.Title != nil {
		if err := s.store.SetSubscriptionTitle(r.Context(), user.ID, feedID, *req.Title); err != nil {
			s.fail(w, err)
			return
		}
	}
	if len(req.FolderID) > 0 {
		var folderID *int64
		if string(req.FolderID) != "null" {
			id, err := strconv.ParseInt(string(req.FolderID), 10, 64)
			if err != nil {
				s.fail(w, apperr.New(apperr.Validation, "invalid folder_id"))
				return
			}
			if _, err := s.store.GetFolderByID(r.Context(), user.ID, id); err != nil {
				s.fail(w, err)
				return
			}
			folderID = &id
		}
		if err := s.store.MoveSubscription(r.Context(), user.ID, feedID, folderID); err != nil {
			s.fail(w, err)
			return
		}
	}

	sub, err := s.store.GetSubscription(r.Context(), user.ID, feedID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) handleDeleteFeed(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	feedID, err := urlID(r, "feedID")
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.DeleteSubscription(r.Context(), user.ID, feedID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	feedID, err := urlID(r, "feedID")
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.store.GetSubscription(r.Context(), user.ID, feedID); err != nil {
		s.fail(w, err)
		return
	}
	feed, newItems, err := s.syncer.RefreshFeed(r.Context(), feedID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"feed":      feed,
		"new_items": newItems,
	})
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	feedID, err := urlID(r, "feedID")
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		NotificationEnabled bool   `json:"notification_enabled"`
		NotificationFreq    string `json:"notification_frequency"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if req.NotificationFreq == "" {
		req.NotificationFreq = model.FrequencyRealtime
	}
	if !model.ValidFrequency(req.NotificationFreq) {
		s.fail(w, apperr.New(apperr.Validation, "invalid notification frequency"))
		return
	}
	if err := s.store.SetSubscriptionNotifications(r.Context(), user.ID, feedID, req.NotificationEnabled, req.NotificationFreq); err != nil {
		s.fail(w, err)
		return
	}
	sub, err := s.store.GetSubscription(r.Context(), user.ID, feedID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, sub)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	results, err := s.syncer.RefreshAll(ctx)
	if err != nil {
		s.fail(w, err)
		return
	}
	total := 0
	for _, c := range results {
		total += c
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"new_items": total,
		"feeds":     len(results),
	})
}

// --- Article Handlers ---

func (s *Server) handleGetArticles(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	params := r.URL.Query()

	q := database.ArticleQuery{
		UnreadOnly:     params.Get("unread") == "true",
		BookmarkedOnly: params.Get("bookmarked") == "true",
		Ascending:      params.Get("sort") == "asc",
		Limit:          100,
	}
	if v := params.Get("feed_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, apperr.New(apperr.Validation, "invalid feed_id"))
			return
		}
		q.FeedID = &id
	}
	if v := params.Get("folder_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(w, apperr.New(apperr.Validation, "invalid folder_id"))
			return
		}
		q.FolderID = &id
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, apperr.New(apperr.Validation, "invalid limit"))
			return
		}
		if n > 500 {
			n = 500
		}
		q.Limit = n
	}

	articles, err := s.store.GetArticles(r.Context(), user.ID, q)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, articles)
}

func (s *Server) handleGetArticle(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	articleID, err := urlID(r, "articleID")
	if err != nil {
		s.fail(w, err)
		return
	}
	article, err := s.store.GetArticleByID(r.Context(), user.ID, articleID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, article)
}

func (s *Server) handleFullText(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	articleID, err := urlID(r, "articleID")
	if err != nil {
		s.fail(w, err)
		return
	}
	article, err := s.store.GetArticleByID(r.Context(), user.ID, articleID)
	if err != nil {
		s.fail(w, err)
		return
	}
	extract, err := s.extractor.Extract(r.Context(), article.URL)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, extract)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	articleID, err := urlID(r, "articleID")
	if err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.store.GetArticleByID(r.Context(), user.ID, articleID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.MarkArticleRead(r.Context(), articleID, user.ID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	var req struct {
		ArticleIDs []int64 `json:"article_ids"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.MarkArticlesRead(r.Context(), user.ID, req.ArticleIDs); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "marked": len(req.ArticleIDs)})
}

func (s *Server) handleSetBookmark(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	articleID, err := urlID(r, "articleID")
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		Bookmarked bool `json:"bookmarked"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	if _, err := s.store.GetArticleByID(r.Context(), user.ID, articleID); err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.SetBookmark(r.Context(), articleID, user.ID, req.Bookmarked); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "bookmarked": req.Bookmarked})
}

// --- Catalog Handlers ---

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	entries, err := s.store.GetCatalog(r.Context(), database.CatalogQuery{
		Category: params.Get("category"),
		Agency:   params.Get("agency"),
		Search:   params.Get("q"),
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, entries)
}

func (s *Server) handleCatalogEntry(w http.ResponseWriter, r *http.Request) {
	entryID, err := urlID(r, "entryID")
	if err != nil {
		s.fail(w, err)
		return
	}
	entry, err := s.store.GetCatalogEntry(r.Context(), entryID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, entry)
}

func (s *Server) handleCatalogSubscribe(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	entryID, err := urlID(r, "entryID")
	if err != nil {
		s.fail(w, err)
		return
	}
	var req struct {
		FolderID *int64 `json:"folder_id"`
	}
	// An empty body means no folder.
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, err)
			return
		}
	}
	entry, err := s.store.GetCatalogEntry(r.Context(), entryID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if req.FolderID != nil {
		if _, err := s.store.GetFolderByID(r.Context(), user.ID, *req.FolderID); err != nil {
			s.fail(w, err)
			return
		}
	}
	feed, err := s.syncer.CreateFeed(r.Context(), user.ID, entry.URL, req.FolderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, feed)
}

// --- Settings Handlers ---

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	interval, err := s.store.GetPollingInterval(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"polling_interval": interval})
}

func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PollingInterval int `json:"polling_interval"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}
	// Enforce minimum.
	if req.PollingInterval < syncer.MinPollingIntervalMinutes {
		req.PollingInterval = syncer.MinPollingIntervalMinutes
	}
	if err := s.store.SetSetting(r.Context(), model.SettingPollingInterval, strconv.Itoa(req.PollingInterval)); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"status": "ok", "polling_interval": req.PollingInterval})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.store.DeleteOrphanFeeds(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	sessions, err := s.store.DeleteExpiredSessions(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"orphan_feeds":     orphans,
		"expired_sessions": sessions,
	})
}

// --- OPML Handlers ---

func (s *Server) handleImportOPML(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	file, _, err := r.FormFile("opml")
	if err != nil {
		s.fail(w, apperr.New(apperr.Validation, "no file provided"))
		return
	}
	defer file.Close()

	entries, err := opml.Parse(file)
	if err != nil {
		s.fail(w, apperr.Wrap(apperr.Validation, "parse OPML", err))
		return
	}

	// Imported feeds are recorded without fetching; the poller picks them up.
	folderIDs := make(map[string]int64)
	imported := 0
	for _, entry := range entries {
		if err := syncer.ValidateFeedURL(entry.URL); err != nil {
			log.Printf("Skipping OPML entry %q: %v", entry.URL, err)
			continue
		}

		var folderID *int64
		if entry.Folder != "" {
			id, ok := folderIDs[entry.Folder]
			if !ok {
				folder, err := s.store.CreateFolder(r.Context(), user.ID, entry.Folder)
				if apperr.IsKind(err, apperr.Conflict) {
					folder, err = s.folderByName(r.Context(), user.ID, entry.Folder)
				}
				if err != nil {
					log.Printf("Error creating folder %q: %v", entry.Folder, err)
					continue
				}
				id = folder.ID
				folderIDs[entry.Folder] = id
			}
			folderID = &id
		}

		feed, err := s.store.GetFeedByURL(r.Context(), entry.URL)
		if apperr.IsKind(err, apperr.NotFound) {
			title := entry.Title
			if title == "" {
				title = entry.URL
			}
			feed, err = s.store.CreateFeed(r.Context(), title, entry.URL, "")
		}
		if err != nil {
			log.Printf("Error creating feed %s: %v", entry.URL, err)
			continue
		}

		if _, err := s.store.CreateSubscription(r.Context(), user.ID, feed.ID, folderID); err != nil {
			if !apperr.IsKind(err, apperr.Conflict) {
				log.Printf("Error subscribing to %s: %v", entry.URL, err)
			}
			continue
		}
		imported++
	}

	s.respond(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"imported": imported,
		"total":    len(entries),
	})
}

func (s *Server) folderByName(ctx context.Context, ownerID int64, name string) (*model.Folder, error) {
	folders, err := s.store.GetFolders(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].Name == name {
			return &folders[i], nil
		}
	}
	return nil, apperr.New(apperr.NotFound, "folder not found")
}

func (s *Server) handleExportOPML(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())
	folders, err := s.store.GetFoldersWithFeeds(r.Context(), user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	unfiled, err := s.store.GetUnfiledFeeds(r.Context(), user.ID)
	if err != nil {
		s.fail(w, err)
		return
	}

	var entries []opml.FeedEntry
	for _, folder := range folders {
		for _, feed := range folder.Feeds {
			entries = append(entries, opml.FeedEntry{Folder: folder.Name, Title: feed.Title, URL: feed.URL})
		}
	}
	for _, feed := range unfiled {
		entries = append(entries, opml.FeedEntry{Title: feed.Title, URL: feed.URL})
	}

	data, err := opml.Export("FeedVault Feeds", entries)
	if err != nil {
		s.fail(w, apperr.Wrap(apperr.Store, "export OPML", err))
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", "attachment; filename=feedvault.opml")
	w.Write(data)
}
