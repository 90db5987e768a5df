//go:build fts5

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"agora/config"
	"agora/database"
	"agora/models"
	"agora/plugins"
	"agora/posts"
	"agora/privileges"
	"agora/topics"
	"agora/utils"
)

// MockApplication wires the real services over a temporary database.
type MockApplication struct {
	db          *database.DatabaseService
	topics      *topics.Service
	posts       *posts.Service
	privs       *privileges.Service
	cfg         *config.Config
	rateLimiter *models.RateLimiter
	storage     models.StorageService
	logger      *slog.Logger
}

func (a *MockApplication) DB() *database.DatabaseService    { return a.db }
func (a *MockApplication) Topics() *topics.Service          { return a.topics }
func (a *MockApplication) Posts() *posts.Service            { return a.posts }
func (a *MockApplication) Privileges() *privileges.Service  { return a.privs }
func (a *MockApplication) Config() *config.Config           { return a.cfg }
func (a *MockApplication) RateLimiter() *models.RateLimiter { return a.rateLimiter }
func (a *MockApplication) Storage() models.StorageService   { return a.storage }
func (a *MockApplication) Logger() *slog.Logger             { return a.logger }

// testUsers are the accounts seeded by setupTestApp.
type testUsers struct {
	admin, alice, bob          int64
	adminTok, aliceTok, bobTok string
}

// setupTestApp creates a full application stack with a test database for integration testing.
func setupTestApp(t *testing.T, burst int) (*MockApplication, testUsers) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	dir := t.TempDir()

	dbService, err := database.InitDB(filepath.Join(dir, "test.db")+"?_journal_mode=WAL&_foreign_keys=on", logger)
	if err != nil {
		t.Fatalf("Failed to initialize test database: %v", err)
	}
	t.Cleanup(func() { dbService.DB.Close() })

	cfg := config.Default()
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.BackupDir = filepath.Join(dir, "backups")

	hooks := plugins.New(logger)
	privs := privileges.NewService(dbService, logger)
	topicsSvc := topics.NewService(dbService, privs, hooks, cfg, topics.NewNamer(topics.DefaultWordList()), logger)

	app := &MockApplication{
		db:          dbService,
		topics:      topicsSvc,
		posts:       posts.NewService(dbService, privs, topicsSvc, hooks, cfg, logger),
		privs:       privs,
		cfg:         cfg,
		rateLimiter: models.NewRateLimiter(time.Hour, burst, time.Hour, time.Hour),
		storage:     &utils.LocalStorage{UploadDir: cfg.UploadDir, URLPrefix: "/uploads"},
		logger:      logger,
	}

	ctx := context.Background()
	var u testUsers
	u.admin, u.adminTok = seedUser(t, dbService, "admin")
	u.alice, u.aliceTok = seedUser(t, dbService, "alice")
	u.bob, u.bobTok = seedUser(t, dbService, "bob")
	if err := dbService.SetAdministrator(ctx, u.admin); err != nil {
		t.Fatalf("Failed to grant admin: %v", err)
	}
	return app, u
}

func seedUser(t *testing.T, db *database.DatabaseService, name string) (int64, string) {
	t.Helper()
	ctx := context.Background()
	uid, err := db.CreateUser(ctx, name, "hunter22", "")
	if err != nil {
		t.Fatalf("Failed to create user %s: %v", name, err)
	}
	session, err := db.CreateSession(ctx, uid, time.Hour)
	if err != nil {
		t.Fatalf("Failed to create session for %s: %v", name, err)
	}
	return uid, session.Token
}

// newTestServer serves the router behind the same wrappers main uses.
func newTestServer(t *testing.T, app *MockApplication) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(CSRFMiddleware(NewSecurityHeadersMiddleware("")(SetupRouter(app))))
	t.Cleanup(srv.Close)
	return srv
}

// noRedirectClient returns redirects to the caller instead of following them.
var noRedirectClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
}

// doJSON sends body as JSON with an optional bearer token and decodes the
// response into a map. It returns the status code.
func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := noRedirectClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return resp.StatusCode, out
}

// createTopic posts a topic as token and returns its tid.
func createTopic(t *testing.T, srv *httptest.Server, token string, body map[string]any) int64 {
	t.Helper()
	if _, ok := body["cid"]; !ok {
		body["cid"] = 1
	}
	code, resp := doJSON(t, srv, http.MethodPost, "/api/topics", token, body)
	if code != http.StatusCreated {
		t.Fatalf("Expected status 201 creating topic, got %d: %v", code, resp)
	}
	return int64(resp["tid"].(float64))
}

// userOf extracts the nested user object of a JSON topic or post.
func userOf(t *testing.T, item any) map[string]any {
	t.Helper()
	m, ok := item.(map[string]any)
	if !ok {
		t.Fatalf("Expected object, got %T", item)
	}
	u, ok := m["user"].(map[string]any)
	if !ok {
		t.Fatalf("Expected user object in %v", m)
	}
	return u
}
