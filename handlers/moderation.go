// agora/handlers/moderation.go
package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"agora/database"
	"agora/models"
)

// HandleModLog returns the latest moderator actions.
func HandleModLog(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleModLog")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit < 1 || limit > 200 {
		limit = 50
	}
	actions, err := app.DB().GetModActions(r.Context(), limit)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"actions": actions}, app)
}

func HandleDatabaseBackup(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleDatabaseBackup")
	backupPath, err := app.DB().BackupDatabase(app.Config().BackupDir)
	if err != nil {
		logger.Error("Failed to create database backup", "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create database backup: " + err.Error()}, app)
		return
	}
	logger.Info("Database backup created successfully", "path", backupPath)
	if !logAction(w, r, app, "database_backup", 0, backupPath) {
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"path": backupPath}, app)
}

// logAction records a moderator action in its own transaction. It writes an
// error response and returns false on failure.
func logAction(w http.ResponseWriter, r *http.Request, app App, action string, targetID int64, details string) bool {
	tx, err := app.DB().DB.BeginTx(r.Context(), nil)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Database error logging action"}, app)
		return false
	}
	defer func() {
		if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
			app.Logger().Error("Failed to rollback mod log transaction", "error", rerr)
		}
	}()
	if err := database.LogModAction(r.Context(), tx, viewerUID(r), action, targetID, details); err != nil {
		app.Logger().Error("Failed to log mod action", "action", action, "error", err)
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Database error logging action"}, app)
		return false
	}
	if err := tx.Commit(); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Database error logging action"}, app)
		return false
	}
	return true
}

// HandleAddModerator grants moderator rights: {"uid": n, "cid": n}. cid 0 means global.
func HandleAddModerator(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleAddModerator")
	var req struct {
		UID int64 `json:"uid"`
		CID int64 `json:"cid"`
	}
	if err := decodeJSON(r, &req); err != nil || req.UID <= 0 || req.CID < 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid moderator request."}, app)
		return
	}
	users, err := app.DB().GetUsersData(r.Context(), []int64{req.UID})
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if users[0] == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "User not found."}, app)
		return
	}
	if req.CID > 0 {
		category, err := app.DB().GetCategoryData(r.Context(), req.CID)
		if err != nil {
			respondError(w, err, app, logger)
			return
		}
		if category == nil {
			respondJSON(w, http.StatusNotFound, map[string]string{"error": "Category not found."}, app)
			return
		}
	}
	if err := app.DB().SetModerator(r.Context(), req.UID, req.CID, viewerUID(r)); err != nil {
		respondError(w, err, app, logger)
		return
	}
	logger.Info("Moderator granted", "uid", req.UID, "cid", req.CID, "by", viewerUID(r))
	respondJSON(w, http.StatusOK, map[string]interface{}{"uid": req.UID, "cid": req.CID}, app)
}

// HandleSetTopicPrivate changes a topic's private flag: {"private": true|false}.
func HandleSetTopicPrivate(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleSetTopicPrivate")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	var req struct {
		Private bool `json:"private"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	if err := app.DB().SetTopicPrivate(r.Context(), tid, req.Private, viewerUID(r)); err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tid": tid, "private": req.Private}, app)
}

// HandleToggleLock locks or unlocks a topic: {"locked": true|false}.
func HandleToggleLock(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleToggleLock")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	var req struct {
		Locked bool `json:"locked"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	if err := app.DB().LockTopic(r.Context(), tid, req.Locked); err != nil {
		respondError(w, err, app, logger)
		return
	}
	action := "unlock_topic"
	if req.Locked {
		action = "lock_topic"
	}
	if !logAction(w, r, app, action, tid, "") {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"tid": tid, "locked": req.Locked}, app)
}

// HandleModDelete soft-deletes a topic and records the deleter.
func HandleModDelete(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleModDelete")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	if err := app.DB().SoftDeleteTopic(r.Context(), tid, viewerUID(r)); err != nil {
		respondError(w, err, app, logger)
		return
	}
	logger.Info("Topic deleted by moderator", "tid", tid, "uid", viewerUID(r))
	respondJSON(w, http.StatusOK, map[string]interface{}{"tid": tid, "deleted": true}, app)
}

// HandleAddEvent appends a timeline event to a topic: {"type": "...", "text": "...", "href": "..."}.
func HandleAddEvent(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleAddEvent")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	var req struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Href string `json:"href"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Type == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Event type is required."}, app)
		return
	}
	topic, err := app.DB().GetTopicData(r.Context(), tid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if topic == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Topic not found."}, app)
		return
	}
	id, err := app.DB().AddTopicEvent(r.Context(), tid, models.Event{Type: req.Type, UID: viewerUID(r), Text: req.Text, Href: req.Href})
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int64{"id": id}, app)
}

// HandleUpdateCategory changes a category's settings and tag whitelist.
// Omitted fields keep their value.
func HandleUpdateCategory(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleUpdateCategory")
	cid, ok := idParam(r, "cid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid category ID."}, app)
		return
	}
	var req struct {
		Name           *string   `json:"name"`
		Disabled       *bool     `json:"disabled"`
		ReadRestricted *bool     `json:"readRestricted"`
		MinTags        *int      `json:"minTags"`
		MaxTags        *int      `json:"maxTags"`
		Tags           *[]string `json:"tags"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	category, err := app.DB().GetCategoryData(r.Context(), cid)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if category == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Category not found."}, app)
		return
	}
	if req.Name != nil {
		category.Name = *req.Name
	}
	if req.Disabled != nil {
		category.Disabled = *req.Disabled
	}
	if req.ReadRestricted != nil {
		category.ReadRestricted = *req.ReadRestricted
	}
	if req.MinTags != nil {
		category.MinTags = *req.MinTags
	}
	if req.MaxTags != nil {
		category.MaxTags = *req.MaxTags
	}
	if category.Name == "" || category.MinTags < 0 || (category.MaxTags > 0 && category.MaxTags < category.MinTags) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid category settings."}, app)
		return
	}
	if err := app.DB().UpdateCategory(r.Context(), category); err != nil {
		respondError(w, err, app, logger)
		return
	}
	if req.Tags != nil {
		if err := app.DB().SetCategoryTags(r.Context(), cid, *req.Tags); err != nil {
			respondError(w, err, app, logger)
			return
		}
	}
	if !logAction(w, r, app, "update_category", cid, "") {
		return
	}
	respondJSON(w, http.StatusOK, category, app)
}
