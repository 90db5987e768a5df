// agora/handlers/actions.go
package handlers

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"

	"agora/config"
	"agora/database"
	"agora/models"
	"agora/privileges"
	"agora/utils"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Fullname string `json:"fullname"`
}

type topicRequest struct {
	CID       int64    `json:"cid"`
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	Private   any      `json:"private"`
	Anonymous any      `json:"anonymous"`
	Handle    string   `json:"handle"`
}

type replyRequest struct {
	Content   string `json:"content"`
	Anonymous any    `json:"anonymous"`
	Handle    string `json:"handle"`
}

// decodeJSON reads a bounded JSON body into dst.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, config.MaxContentLen*2))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, s *models.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// HandleRegister creates an account and signs it in.
func HandleRegister(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleRegister")
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	uid, err := app.DB().CreateUser(r.Context(), req.Username, req.Password, req.Fullname)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrUsernameTaken):
			respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()}, app)
		case errors.Is(err, database.ErrInvalidCredentials):
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Username and password are required."}, app)
		default:
			respondError(w, err, app, logger)
		}
		return
	}
	startSession(w, r, app, logger, uid, http.StatusCreated)
}

// HandleLogin exchanges a username and password for a session token.
func HandleLogin(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleLogin")
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	uid, err := app.DB().Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, database.ErrInvalidCredentials) {
			logger.Warn("Failed login attempt", "username", req.Username, "ip", utils.GetIPAddress(r))
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": err.Error()}, app)
			return
		}
		respondError(w, err, app, logger)
		return
	}
	startSession(w, r, app, logger, uid, http.StatusOK)
}

func startSession(w http.ResponseWriter, r *http.Request, app App, logger *slog.Logger, uid int64, status int) {
	session, err := app.DB().CreateSession(r.Context(), uid, config.DefaultSessionTTL)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	setSessionCookie(w, r, session)
	logger.Info("Session started", "uid", uid)
	respondJSON(w, status, map[string]interface{}{"uid": uid, "token": session.Token, "expires": session.ExpiresAt}, app)
}

// HandleLogout ends the current session.
func HandleLogout(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleLogout")
	if token, _ := sessionToken(r); token != "" {
		if err := app.DB().DeleteSession(r.Context(), token); err != nil {
			respondError(w, err, app, logger)
			return
		}
	}
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: "", Path: "/", MaxAge: -1})
	respondJSON(w, http.StatusOK, map[string]string{"success": "Logged out."}, app)
}

// HandleCreateTopic creates a topic with its main post.
func HandleCreateTopic(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleCreateTopic")
	var req topicRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	if len(req.Title) > config.MaxTitleLen || len(req.Content) > config.MaxContentLen || len(req.Handle) > config.MaxHandleLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "A form field exceeds the maximum length."}, app)
		return
	}

	category, err := app.DB().GetCategoryData(r.Context(), req.CID)
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	if category != nil && category.MaxTags > 0 && len(req.Tags) > category.MaxTags {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("At most %d tags are allowed.", category.MaxTags)}, app)
		return
	}
	if category != nil && len(req.Tags) < category.MinTags {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("At least %d tags are required.", category.MinTags)}, app)
		return
	}

	uid := viewerUID(r)
	topic, err := app.DB().CreateTopic(r.Context(), database.TopicParams{
		UID:       uid,
		CID:       req.CID,
		Title:     req.Title,
		Content:   req.Content,
		Tags:      req.Tags,
		Private:   req.Private,
		Anonymous: req.Anonymous,
		Handle:    req.Handle,
	})
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	logger.Info("New topic created", "tid", topic.TID, "cid", topic.CID, "uid", uid)
	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"tid":      topic.TID,
		"pid":      topic.MainPID,
		"redirect": fmt.Sprintf("%s/topic/%d/%s", app.Config().RelativePath, topic.TID, topic.Slug),
	}, app)
}

// HandleReply appends a post to a readable, visible topic.
func HandleReply(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleReply")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	if len(req.Content) > config.MaxContentLen || len(req.Handle) > config.MaxHandleLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "A form field exceeds the maximum length."}, app)
		return
	}
	uid := viewerUID(r)
	if !canAccessTopic(w, r, app, logger, tid, uid) {
		return
	}

	post, err := app.DB().Reply(r.Context(), database.ReplyParams{
		UID:       uid,
		TID:       tid,
		Content:   req.Content,
		Anonymous: req.Anonymous,
		Handle:    req.Handle,
	})
	if err != nil {
		respondError(w, err, app, logger)
		return
	}
	logger.Info("New reply created", "pid", post.PID, "tid", tid, "uid", uid)
	respondJSON(w, http.StatusCreated, map[string]interface{}{"pid": post.PID, "redirect": fmt.Sprintf("%s/post/%d", app.Config().RelativePath, post.PID)}, app)
}

// canAccessTopic writes a 404 or 403 response and returns false when uid may
// not read tid or the topic is private to them.
func canAccessTopic(w http.ResponseWriter, r *http.Request, app App, logger *slog.Logger, tid, uid int64) bool {
	ctx := r.Context()
	topic, err := app.DB().GetTopicData(ctx, tid)
	if err != nil {
		respondError(w, err, app, logger)
		return false
	}
	if topic == nil {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "Topic not found."}, app)
		return false
	}
	readable, err := app.Privileges().FilterTids(ctx, privileges.TopicsRead, []int64{tid}, uid)
	if err != nil {
		respondError(w, err, app, logger)
		return false
	}
	visible := len(readable) == 1
	if visible {
		if visible, err = app.Topics().IsVisible(ctx, topic, uid); err != nil {
			respondError(w, err, app, logger)
			return false
		}
	}
	if !visible {
		forbidden(w, app)
		return false
	}
	return true
}

// HandleFollow sets the viewer's watch state: {"state": "follow"|"ignore"|"unfollow"}.
func HandleFollow(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleFollow")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	var req struct {
		State string `json:"state"`
	}
	if err := decodeJSON(r, &req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()}, app)
		return
	}
	uid := viewerUID(r)
	if !canAccessTopic(w, r, app, logger, tid, uid) {
		return
	}
	if err := app.DB().SetFollow(r.Context(), tid, uid, req.State); err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"state": req.State}, app)
}

// HandleBookmark stores the viewer's reading position: {"index": n}.
func HandleBookmark(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleBookmark")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	var req struct {
		Index int `json:"index"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Index < 0 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid bookmark index."}, app)
		return
	}
	uid := viewerUID(r)
	if !canAccessTopic(w, r, app, logger, tid, uid) {
		return
	}
	if err := app.DB().SetBookmark(r.Context(), tid, uid, req.Index); err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"bookmark": req.Index}, app)
}

// HandleMarkRead marks a topic read for the viewer.
func HandleMarkRead(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleMarkRead")
	tid, ok := idParam(r, "tid")
	if !ok {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid topic ID."}, app)
		return
	}
	uid := viewerUID(r)
	if !canAccessTopic(w, r, app, logger, tid, uid) {
		return
	}
	if err := app.DB().MarkRead(r.Context(), tid, uid); err != nil {
		respondError(w, err, app, logger)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"read": true}, app)
}

// HandleThumbUpload attaches an uploaded image to a topic. Only the topic
// owner and its moderators may add thumbnails.
func HandleThumbUpload(w http.ResponseWriter, r *http.Request, app App) {
	logger := app.Logger().With("handler", "HandleThumbUpload")
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
	if topic.UID != uid {
		isMod, err := app.Privileges().IsAdminOrMod(ctx, tid, uid)
		if err != nil {
			respondError(w, err, app, logger)
			return
		}
		if !isMod {
			forbidden(w, app)
			return
		}
	}

	if err := r.ParseMultipartForm(config.MaxFileSize + 1024); err != nil {
		logger.Warn("Form parsing error", "error", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Form parsing error: " + err.Error()}, app)
		return
	}
	url, name, err := processThumb(r, app, logger)
	if err != nil {
		logger.Warn("Image processing failed", "error", err)
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Image processing failed: " + err.Error()}, app)
		return
	}
	id, err := app.DB().AddThumb(ctx, tid, name, url)
	if err != nil {
		if derr := app.Storage().DeleteFile(url); derr != nil {
			logger.Error("Failed to remove orphaned thumbnail", "url", url, "error", derr)
		}
		respondError(w, err, app, logger)
		return
	}
	logger.Info("Thumbnail attached", "tid", tid, "thumb_id", id)
	respondJSON(w, http.StatusCreated, models.Thumb{ID: id, Name: name, URL: url}, app)
}

// processThumb validates the "image" form file, fits it into the thumbnail
// box and stores it as JPEG. It returns the public URL and the stored name.
func processThumb(r *http.Request, app App, logger *slog.Logger) (string, string, error) {
	file, header, err := r.FormFile("image")
	if err != nil {
		return "", "", fmt.Errorf("could not get form file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Error("Failed to close upload file", "error", err)
		}
	}()

	limitedReader := &io.LimitedReader{R: file, N: config.MaxFileSize + 1}
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return "", "", fmt.Errorf("could not read file data: %w", err)
	}
	if limitedReader.N == 0 {
		return "", "", fmt.Errorf("file is larger than the %dMB limit", config.MaxFileSize/1024/1024)
	}
	if len(data) == 0 {
		return "", "", fmt.Errorf("file is empty")
	}

	// Magic byte validation
	contentType := http.DetectContentType(data)
	allowedTypes := map[string]bool{
		"image/jpeg": true, "image/png": true, "image/gif": true, "image/webp": true,
	}
	if !allowedTypes[contentType] {
		logger.Warn("User uploaded file with invalid MIME type", "detected_type", contentType, "filename", header.Filename)
		return "", "", fmt.Errorf("unsupported file type: %s. Only JPG, PNG, GIF, and WebP are allowed", contentType)
	}

	reader := bytes.NewReader(data)
	cfg, _, err := image.DecodeConfig(reader)
	if err != nil {
		return "", "", fmt.Errorf("invalid image format, could not decode config: %w", err)
	}
	if cfg.Width > config.MaxWidth || cfg.Height > config.MaxHeight {
		return "", "", fmt.Errorf("image dimensions (%dx%d) exceed maximum (%dx%d)", cfg.Width, cfg.Height, config.MaxWidth, config.MaxHeight)
	}
	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return "", "", fmt.Errorf("could not reset reader position: %w", err)
	}

	img, err := imaging.Decode(reader, imaging.AutoOrientation(true))
	if err != nil {
		return "", "", fmt.Errorf("failed to decode image with orientation correction: %w", err)
	}
	thumb := imaging.Fit(img, config.ThumbnailWidth, config.ThumbnailHeight, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return "", "", fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	hash := sha256.Sum256(data)
	name := fmt.Sprintf("%d_%s_thumb.jpeg", utils.GetTime().UnixNano(), hex.EncodeToString(hash[:])[:12])
	url, err := app.Storage().SaveFile(name, buf.Bytes(), "image/jpeg")
	if err != nil {
		return "", "", fmt.Errorf("could not store thumbnail: %w", err)
	}
	return url, filepath.Base(header.Filename), nil
}
