// agora/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"agora/config"
	"agora/database"
	"agora/models"
	"agora/posts"
	"agora/privileges"
	"agora/topics"

	"github.com/go-chi/chi/v5"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	Topics() *topics.Service
	Posts() *posts.Service
	Privileges() *privileges.Service
	Config() *config.Config
	RateLimiter() *models.RateLimiter
	Storage() models.StorageService
	Logger() *slog.Logger
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}

// respondError maps service errors onto HTTP statuses.
func respondError(w http.ResponseWriter, err error, app App, logger *slog.Logger) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Not found."}, app)
	case errors.Is(err, topics.ErrInvalidData), errors.Is(err, database.ErrInvalidFollow):
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
	case errors.Is(err, database.ErrTopicLocked), errors.Is(err, database.ErrCategoryDisabled):
		respondJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()}, app)
	default:
		logger.Error("Request failed", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Internal server error."}, app)
	}
}

func forbidden(w http.ResponseWriter, app App) {
	respondJSON(w, http.StatusForbidden, map[string]string{"error": "You do not have permission to view this."}, app)
}

func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

// idParam parses a positive integer URL parameter.
func idParam(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// pageRange converts the 1-based ?page= query value to an inclusive index range.
func pageRange(r *http.Request, perPage int) (start, stop int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	start = (page - 1) * perPage
	return start, start + perPage - 1
}

func queryFlag(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// HandleCategories lists all enabled categories.
func HandleCategories(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCategories")
	categories, err := app.DB().GetCategories(r.Context())
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	enabled := make([]*models.Category, 0, len(categories))
	for _, c := range categories {
		if !c.Disabled {
			enabled = append(enabled, c)
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"categories": enabled}, app)
}

// HandleCategory returns one page of a category's topic list for the viewer.
func HandleCategory(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCategory")
	cid, ok := idParam(r, "cid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid category ID."}, app)
		return
	}
	category, err := app.DB().GetCategoryData(r.Context(), cid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if category == nil || category.Disabled {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Category not found."}, app)
		return
	}

	start, stop := pageRange(r, config.TopicsPerPage)
	page, err := app.Topics().GetTopicsFromSet(r.Context(), cid, viewerUID(r), start, stop)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"category":  category,
		"topics":    page.Topics,
		"nextStart": page.NextStart,
	}, app)
}

// HandleCategoryCounts returns how many topics and posts of a category the viewer can see.
func HandleCategoryCounts(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCategoryCounts")
	cid, ok := idParam(r, "cid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid category ID."}, app)
		return
	}
	counts, err := app.Topics().GetVisibleCounts(r.Context(), cid, viewerUID(r))
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, counts, app)
}

// HandleTopic returns a topic with one page of posts. Topics the viewer may
// not read, or private topics they may not see, answer 403.
func HandleTopic(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleTopic")
	ctx := r.Context()
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	uid := viewerUID(r)

	topic, err := app.DB().GetTopicData(ctx, tid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if topic == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Topic not found."}, app)
		return
	}
	readable, err := app.Privileges().FilterTids(ctx, privileges.TopicsRead, []int64{tid}, uid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if len(readable) == 0 {
		forbidden(w, app)
		return
	}
	visible, err := app.Topics().IsVisible(ctx, topic, uid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if !visible {
		logger.Info("Hidden private topic requested", "tid", tid, "uid", uid)
		forbidden(w, app)
		return
	}

	reverse := queryFlag(r, "reverse")
	if !r.URL.Query().Has("reverse") && uid > 0 {
		settings, err := app.DB().GetUsersSettings(ctx, []int64{uid})
		if err != nil {
			respondError(w, err, app, logger)
			return
		}
		reverse = settings[0].TopicPostSort == topics.SortNewToOld
	}

	start, stop := pageRange(r, config.PostsPerPage)
	view, err := app.Topics().GetTopicWithPosts(ctx, topic, uid, start, stop, reverse)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, view, app)
}

// HandleRecent returns the viewer's recent-posts feed. term is day, week, month or empty.
func HandleRecent(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleRecent")
	start, stop := pageRange(r, config.PostsPerPage)
	summaries, err := app.Posts().GetRecentPosts(r.Context(), viewerUID(r), start, stop, r.URL.Query().Get("term"))
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"posts": summaries}, app)
}

// HandleSearch runs a full-text search, optionally restricted to ?cid=.
func HandleSearch(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleSearch")
	query := r.URL.Query().Get("q")
	if len(query) > config.MaxTitleLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Search query is too long."}, app)
		return
	}
	var cid int64
	if v := r.URL.Query().Get("cid"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid category ID."}, app)
			return
		}
		cid = parsed
	}
	results, err := app.Posts().Search(r.Context(), query, cid, viewerUID(r))
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"query": query, "posts": results}, app)
}

// HandlePostRedirect sends the viewer to the page of the topic holding a post.
func HandlePostRedirect(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandlePostRedirect")
	ctx := r.Context()
	pid, ok := idParam(r, "pid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid post ID."}, app)
		return
	}
	canRead, err := app.Privileges().CanReadPost(ctx, pid, viewerUID(r))
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if !canRead {
		forbidden(w, app)
		return
	}
	path, err := app.Posts().GeneratePostPath(ctx, pid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if path == "" {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Post not found."}, app)
		return
	}
	http.Redirect(w, r, path, http.StatusFound)
}

// HandleMe describes the current viewer.
func HandleMe(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleMe")
	uid := viewerUID(r)
	if uid <= 0 {
		respondJSON(w, http.StatusOK, map[string]interface{}{"uid": 0}, app)
		return
	}
	users, err := app.DB().GetUsersData(r.Context(), []int64{uid})
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	isAdmin, err := app.Privileges().IsAdministrator(r.Context(), uid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"uid": uid, "user": users[0], "isAdmin": isAdmin}, app)
}
