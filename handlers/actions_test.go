//go:build fts5

package handlers

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAnonymousTopicMasking(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	tid := createTopic(t, srv, u.aliceTok, map[string]any{"title": "Secret question", "content": "Who else is lost?", "anonymous": 1})

	tests := []struct {
		name     string
		token    string
		masked   bool
		wantUser string
	}{
		{"author", u.aliceTok, false, "alice"},
		{"other user", u.bobTok, true, ""},
		{"guest", "", true, ""},
		{"admin", u.adminTok, false, "alice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/topic/%d", tid), tt.token, nil)
			if code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %v", code, resp)
			}
			posts := resp["posts"].([]any)
			if len(posts) != 1 {
				t.Fatalf("Expected 1 post, got %d", len(posts))
			}
			postUser := userOf(t, posts[0])
			postUID := posts[0].(map[string]any)["uid"].(float64)

			if tt.masked {
				if !strings.HasPrefix(postUser["username"].(string), "Anonymous ") {
					t.Errorf("Expected masked author, got %v", postUser["username"])
				}
				if resp["uid"].(float64) != 0 || postUID != 0 || postUser["uid"].(float64) != 0 {
					t.Errorf("Expected no real uid for a masked author, got topic %v post %v user %v", resp["uid"], postUID, postUser["uid"])
				}
				return
			}
			if postUser["username"] != tt.wantUser {
				t.Errorf("Expected %q, got %v", tt.wantUser, postUser["username"])
			}
			if int64(postUID) != u.alice || int64(resp["uid"].(float64)) != u.alice {
				t.Errorf("Expected uid %d, got post %v topic %v", u.alice, postUID, resp["uid"])
			}
		})
	}

	t.Run("category listing", func(t *testing.T) {
		code, resp := doJSON(t, srv, http.MethodGet, "/api/category/1", u.bobTok, nil)
		if code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", code)
		}
		listed := resp["topics"].([]any)
		if len(listed) != 1 {
			t.Fatalf("Expected 1 topic, got %d", len(listed))
		}
		topic := listed[0].(map[string]any)
		if topic["uid"].(float64) != 0 {
			t.Errorf("Expected listing to hide the author uid, got %v", topic["uid"])
		}
		if !strings.HasPrefix(userOf(t, topic)["username"].(string), "Anonymous ") {
			t.Errorf("Expected masked author in listing, got %v", userOf(t, topic)["username"])
		}
	})
}

func TestPrivateTopicVisibility(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	public := createTopic(t, srv, u.bobTok, map[string]any{"title": "Open", "content": "Anyone can read"})
	private := createTopic(t, srv, u.aliceTok, map[string]any{"title": "Hidden", "content": "Only for staff", "private": 1})

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"author", u.aliceTok, http.StatusOK},
		{"admin", u.adminTok, http.StatusOK},
		{"other user", u.bobTok, http.StatusForbidden},
		{"guest", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/api/topic/%d", private), tt.token, nil)
			if code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, code)
			}
		})
	}

	t.Run("listing excludes hidden topics", func(t *testing.T) {
		_, resp := doJSON(t, srv, http.MethodGet, "/api/category/1", u.bobTok, nil)
		listed := resp["topics"].([]any)
		if len(listed) != 1 || int64(listed[0].(map[string]any)["tid"].(float64)) != public {
			t.Errorf("Expected only topic %d, got %v", public, listed)
		}
		_, resp = doJSON(t, srv, http.MethodGet, "/api/category/1", u.aliceTok, nil)
		if got := len(resp["topics"].([]any)); got != 2 {
			t.Errorf("Expected author to see 2 topics, got %d", got)
		}
	})

	t.Run("counts follow visibility", func(t *testing.T) {
		_, resp := doJSON(t, srv, http.MethodGet, "/api/category/1/counts", u.bobTok, nil)
		if resp["topicCount"].(float64) != 1 {
			t.Errorf("Expected 1 visible topic, got %v", resp["topicCount"])
		}
	})

	t.Run("reply to hidden topic is refused", func(t *testing.T) {
		code, _ := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/topic/%d/reply", private), u.bobTok, map[string]any{"content": "let me in"})
		if code != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", code)
		}
	})

	t.Run("post redirect", func(t *testing.T) {
		topic, err := app.DB().GetTopicData(context.Background(), private)
		if err != nil || topic == nil {
			t.Fatalf("Failed to load topic: %v", err)
		}
		code, _ := doJSON(t, srv, http.MethodGet, fmt.Sprintf("/post/%d", topic.MainPID), u.bobTok, nil)
		if code != http.StatusForbidden {
			t.Errorf("Expected status 403 for hidden post, got %d", code)
		}
	})
}

func TestReplyAnonymousInheritance(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	tid := createTopic(t, srv, u.aliceTok, map[string]any{"title": "Masked thread", "content": "First", "anonymous": 1})

	tests := []struct {
		name  string
		token string
		body  map[string]any
		want  int
	}{
		{"author inherits", u.aliceTok, map[string]any{"content": "again"}, 1},
		{"author opts out", u.aliceTok, map[string]any{"content": "me", "anonymous": 0}, 0},
		{"other user defaults public", u.bobTok, map[string]any{"content": "hello"}, 0},
		{"other user opts in", u.bobTok, map[string]any{"content": "quietly", "anonymous": "1"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/topic/%d/reply", tid), tt.token, tt.body)
			if code != http.StatusCreated {
				t.Fatalf("Expected status 201, got %d: %v", code, resp)
			}
			pid := int64(resp["pid"].(float64))
			posts, err := app.DB().GetPostsData(context.Background(), []int64{pid})
			if err != nil || posts[0] == nil {
				t.Fatalf("Failed to load reply %d: %v", pid, err)
			}
			if posts[0].Anonymous != tt.want {
				t.Errorf("Expected anonymous=%d, got %d", tt.want, posts[0].Anonymous)
			}
		})
	}

	t.Run("locked topic", func(t *testing.T) {
		if err := app.DB().LockTopic(context.Background(), tid, true); err != nil {
			t.Fatalf("LockTopic failed: %v", err)
		}
		code, _ := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/topic/%d/reply", tid), u.bobTok, map[string]any{"content": "too late"})
		if code != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", code)
		}
	})
}

func TestGuestPostingRequiresCSRF(t *testing.T) {
	app, _ := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	body := `{"cid":1,"title":"Guest topic","content":"Hi from outside","handle":"Wanderer"}`

	t.Run("missing token", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/topics", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", resp.StatusCode)
		}
	})

	t.Run("double submitted token", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/topics", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: "guest-token"})
		req.Header.Set("X-CSRF-Token", "guest-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d", resp.StatusCode)
		}

		_, listing := doJSON(t, srv, http.MethodGet, "/api/category/1", "", nil)
		topics := listing["topics"].([]any)
		if len(topics) != 1 {
			t.Fatalf("Expected 1 topic, got %d", len(topics))
		}
		if got := userOf(t, topics[0])["username"]; got != "Wanderer" {
			t.Errorf("Expected guest handle as author, got %v", got)
		}
	})
}

func TestPostRedirect(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	tid := createTopic(t, srv, u.aliceTok, map[string]any{"title": "Where am I", "content": "first"})
	_, resp := doJSON(t, srv, http.MethodPost, fmt.Sprintf("/api/topic/%d/reply", tid), u.bobTok, map[string]any{"content": "second"})
	pid := int64(resp["pid"].(float64))

	req, _ := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/post/%d", srv.URL, pid), nil)
	res, err := noRedirectClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusFound {
		t.Fatalf("Expected status 302, got %d", res.StatusCode)
	}
	if want := fmt.Sprintf("/topic/%d/where-am-i/2", tid); res.Header.Get("Location") != want {
		t.Errorf("Expected Location %q, got %q", want, res.Header.Get("Location"))
	}

	code, _ := doJSON(t, srv, http.MethodGet, "/post/9999", "", nil)
	if code != http.StatusNotFound {
		t.Errorf("Expected status 404 for unknown post, got %d", code)
	}
}

func TestFeedsMaskAnonymousPosts(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	createTopic(t, srv, u.aliceTok, map[string]any{"title": "Zebrafish care", "content": "My zebrafish look pale", "anonymous": 1})

	for _, path := range []string{"/api/search?q=zebrafish", "/api/recent"} {
		t.Run(path, func(t *testing.T) {
			code, resp := doJSON(t, srv, http.MethodGet, path, u.bobTok, nil)
			if code != http.StatusOK {
				t.Fatalf("Expected status 200, got %d: %v", code, resp)
			}
			posts := resp["posts"].([]any)
			if len(posts) != 1 {
				t.Fatalf("Expected 1 post, got %d", len(posts))
			}
			post := posts[0].(map[string]any)
			if post["uid"].(float64) != 0 {
				t.Errorf("Expected hidden uid, got %v", post["uid"])
			}
			if name := userOf(t, post)["username"].(string); !strings.HasPrefix(name, "Anonymous ") {
				t.Errorf("Expected masked author, got %q", name)
			}
		})
	}

	t.Run("author sees themselves", func(t *testing.T) {
		_, resp := doJSON(t, srv, http.MethodGet, "/api/recent", u.aliceTok, nil)
		posts := resp["posts"].([]any)
		if len(posts) != 1 || userOf(t, posts[0])["username"] != "alice" {
			t.Errorf("Expected alice to see her own name, got %v", posts)
		}
	})
}

func uploadThumb(t *testing.T, url, token string, data []byte) *http.Response {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", "cover.png")
	if err != nil {
		t.Fatalf("Failed to create form file: %v", err)
	}
	part.Write(data)
	writer.Close()

	req, _ := http.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	resp.Body.Close()
	return resp
}

func TestHandleThumbUpload(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	tid := createTopic(t, srv, u.aliceTok, map[string]any{"title": "Pictures", "content": "see thumb"})
	url := fmt.Sprintf("%s/api/topic/%d/thumb", srv.URL, tid)

	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for x := 0; x < 640; x++ {
		img.Set(x, x%480, color.RGBA{R: 200, A: 255})
	}
	var pngData bytes.Buffer
	if err := png.Encode(&pngData, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}

	t.Run("not the owner", func(t *testing.T) {
		if resp := uploadThumb(t, url, u.bobTok, pngData.Bytes()); resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected status 403, got %d", resp.StatusCode)
		}
	})

	t.Run("not an image", func(t *testing.T) {
		if resp := uploadThumb(t, url, u.aliceTok, []byte("plain text, not a picture")); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("owner", func(t *testing.T) {
		if resp := uploadThumb(t, url, u.aliceTok, pngData.Bytes()); resp.StatusCode != http.StatusCreated {
			t.Fatalf("Expected status 201, got %d", resp.StatusCode)
		}
		thumbs, err := app.DB().GetThumbs(context.Background(), []int64{tid})
		if err != nil || len(thumbs[0]) != 1 {
			t.Fatalf("Expected 1 stored thumb, got %v (err %v)", thumbs, err)
		}
		stored := filepath.Join(app.Config().UploadDir, filepath.Base(thumbs[0][0].URL))
		if _, err := os.Stat(stored); err != nil {
			t.Errorf("Expected thumbnail on disk at %s: %v", stored, err)
		}
	})

	t.Run("moderator", func(t *testing.T) {
		if resp := uploadThumb(t, url, u.adminTok, pngData.Bytes()); resp.StatusCode != http.StatusCreated {
			t.Errorf("Expected status 201, got %d", resp.StatusCode)
		}
	})
}

func TestViewerStateHandlers(t *testing.T) {
	app, u := setupTestApp(t, 1000)
	srv := newTestServer(t, app)
	tid := createTopic(t, srv, u.bobTok, map[string]any{"title": "Watch me", "content": "body"})
	base := fmt.Sprintf("/api/topic/%d", tid)

	if code, resp := doJSON(t, srv, http.MethodPost, base+"/follow", u.aliceTok, map[string]string{"state": "follow"}); code != http.StatusOK {
		t.Fatalf("Expected follow to succeed, got %d: %v", code, resp)
	}
	if code, _ := doJSON(t, srv, http.MethodPost, base+"/follow", u.aliceTok, map[string]string{"state": "stalk"}); code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid state, got %d", code)
	}
	if code, _ := doJSON(t, srv, http.MethodPost, base+"/bookmark", u.aliceTok, map[string]int{"index": 1}); code != http.StatusOK {
		t.Errorf("Expected bookmark to succeed, got %d", code)
	}
	if code, _ := doJSON(t, srv, http.MethodPost, base+"/read", u.aliceTok, nil); code != http.StatusOK {
		t.Errorf("Expected mark read to succeed, got %d", code)
	}

	_, view := doJSON(t, srv, http.MethodGet, base, u.aliceTok, nil)
	if view["isFollowing"] != true {
		t.Errorf("Expected isFollowing, got %v", view["isFollowing"])
	}
	if view["bookmark"] != float64(1) {
		t.Errorf("Expected bookmark 1, got %v", view["bookmark"])
	}

	_, listing := doJSON(t, srv, http.MethodGet, "/api/category/1", u.aliceTok, nil)
	if topic := listing["topics"].([]any)[0].(map[string]any); topic["unread"] != false {
		t.Errorf("Expected topic to be read, got unread=%v", topic["unread"])
	}
}

func TestRateLimitWrites(t *testing.T) {
	app, u := setupTestApp(t, 1)
	srv := newTestServer(t, app)

	createTopic(t, srv, u.aliceTok, map[string]any{"title": "One", "content": "first"})
	code, _ := doJSON(t, srv, http.MethodPost, "/api/topics", u.aliceTok, map[string]any{"cid": 1, "title": "Two", "content": "second"})
	if code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", code)
	}
	if code, _ := doJSON(t, srv, http.MethodGet, "/api/categories", "", nil); code != http.StatusOK {
		t.Errorf("Expected reads to stay unlimited, got %d", code)
	}
}

func TestAuthentication(t *testing.T) {
	app, _ := setupTestApp(t, 1000)
	srv := newTestServer(t, app)

	post := func(path, body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.AddCookie(&http.Cookie{Name: CSRFCookie, Value: "tok"})
		req.Header.Set("X-CSRF-Token", "tok")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post("/api/register", `{"username":"carol","password":"s3cret!"}`); resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", resp.StatusCode)
	}
	if resp := post("/api/register", `{"username":"carol","password":"other"}`); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected status 409 for duplicate name, got %d", resp.StatusCode)
	}
	if resp := post("/api/login", `{"username":"carol","password":"wrong"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}

	resp := post("/api/login", `{"username":"carol","password":"s3cret!"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	var session *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			session = c
		}
	}
	if session == nil || session.Value == "" {
		t.Fatal("Expected a session cookie")
	}
	code, me := doJSON(t, srv, http.MethodGet, "/api/me", session.Value, nil)
	if code != http.StatusOK || me["user"].(map[string]any)["username"] != "carol" {
		t.Errorf("Expected /api/me to report carol, got %d %v", code, me)
	}
}
