package topics

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"testing"

	"agora/config"
	"agora/models"
	"agora/plugins"
)

func TestGetTopicsByTids_Masking(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		viewer   int64
		wantUser string
		wantUID  int64
	}{
		{"author", 10, "alice", 10},
		{"stranger", 99, "Anonymous Brave Elephant", 0},
		{"guest", 0, "Anonymous Brave Elephant", 0},
		{"admin", 1, "alice", 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topics, err := svc.GetTopicsByTids(ctx, []int64{1}, tt.viewer)
			if err != nil {
				t.Fatalf("GetTopicsByTids failed: %v", err)
			}
			if len(topics) != 1 {
				t.Fatalf("Expected 1 topic, got %d", len(topics))
			}
			u := topics[0].User
			if u.Username != tt.wantUser || u.UID != tt.wantUID {
				t.Errorf("Expected user %q (uid %d), got %q (uid %d)", tt.wantUser, tt.wantUID, u.Username, u.UID)
			}
			if tt.wantUID == 0 && u.Picture != "/assets/images/anonymous-avatar.png" {
				t.Errorf("Expected anonymous avatar, got %q", u.Picture)
			}
			// The teaser is a public reply by bob and is never masked.
			if topics[0].Teaser == nil || topics[0].Teaser.User.Username != "bob" {
				t.Errorf("Expected bob's teaser, got %+v", topics[0].Teaser)
			}
		})
	}
}

func TestGetTopicsByTids_OrderAndCategoryFilter(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addTopic(&models.Topic{TID: 4, UID: 5, CID: 2, Title: "Old", MainPID: 41, PostCount: 1})

	topics, err := svc.GetTopicsByTids(context.Background(), []int64{3, 4, 404, 1}, 5)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if ids := topicIDs(topics); !equalIDs(ids, []int64{3, 1}) {
		t.Errorf("Expected [3 1], got %v", ids)
	}

	empty, err := svc.GetTopicsByTids(context.Background(), nil, 5)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Expected an empty non-nil slice for no tids, got %v (%v)", empty, err)
	}
}

func TestGetTopicsByTids_ViewerState(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.reads[5] = map[int64]bool{3: true}
	store.follows[5] = map[int64]models.FollowData{1: {Following: true}}
	store.bookmarks[5] = map[int64]int{1: 1}

	topics, err := svc.GetTopicsByTids(context.Background(), []int64{1, 3}, 5)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	anon, hello := topics[0], topics[1]
	if !anon.Unread || hello.Unread {
		t.Errorf("Expected topic 1 unread and 3 read, got %v and %v", anon.Unread, hello.Unread)
	}
	if !anon.Followed || anon.Ignored {
		t.Errorf("Expected topic 1 followed, got %+v", anon)
	}
	if anon.Bookmark != 2 || hello.Bookmark != 0 {
		t.Errorf("Expected bookmarks 2 and 0, got %d and %d", anon.Bookmark, hello.Bookmark)
	}
	if anon.IsOwner || !hello.IsOwner {
		t.Errorf("Expected only topic 3 to be owned by viewer 5")
	}
	if hello.User.Fullname != "Bob Builder" {
		t.Errorf("Expected fullname shown by user setting, got %q", hello.User.Fullname)
	}
	if anon.Icons == nil || anon.Thumbs == nil {
		t.Error("Expected icons and thumbs to be non-nil")
	}

	guest, err := svc.GetTopicsByTids(context.Background(), []int64{3}, 0)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if !guest[0].Unread || guest[0].IsOwner || guest[0].IsAdminOrMod {
		t.Errorf("Expected guest view to be unread and unprivileged, got %+v", guest[0])
	}
}

func TestGetTopicsByTids_NoAliasingBetweenTopics(t *testing.T) {
	svc, _, _ := newTestService(t)
	topics, err := svc.GetTopicsByTids(context.Background(), []int64{2, 3}, 5)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if topics[0].User == topics[1].User {
		t.Fatal("Expected each topic to carry its own author record")
	}
	topics[0].User.Username = "changed"
	if topics[1].User.Username != "bob" {
		t.Errorf("Expected change on one topic not to leak, got %q", topics[1].User.Username)
	}
}

func TestGetTopicsByTids_InstructorBadgeAndHiddenFullname(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addTopic(&models.Topic{TID: 5, UID: 1, CID: 1, Title: "Syllabus", MainPID: 51, PostCount: 1})
	store.addPost(&models.Post{PID: 51, TID: 5, UID: 1, Timestamp: 5000})
	store.settings[1] = models.UserSettings{ShowFullname: false}

	topics, err := svc.GetTopicsByTids(context.Background(), []int64{5, 3}, 7)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if !slices.Contains(topics[0].User.Badges, "Instructor") {
		t.Errorf("Expected admin author to carry the Instructor badge, got %v", topics[0].User.Badges)
	}
	if topics[0].User.Fullname != "" {
		t.Errorf("Expected fullname hidden by user setting, got %q", topics[0].User.Fullname)
	}
	if slices.Contains(topics[1].User.Badges, "Instructor") {
		t.Error("Expected non-admin author to have no Instructor badge")
	}

	svc.cfg.HideFullname = true
	topics, err = svc.GetTopicsByTids(context.Background(), []int64{3}, 7)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if topics[0].User.Fullname != "" {
		t.Errorf("Expected fullname hidden site-wide, got %q", topics[0].User.Fullname)
	}
}

func TestGetTopicsByTids_GuestHandle(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addTopic(&models.Topic{TID: 6, UID: 0, CID: 1, Title: "From a guest", MainPID: 61, PostCount: 1})
	store.addPost(&models.Post{PID: 61, TID: 6, UID: 0, Handle: "<b>visitor</b>", Timestamp: 6000})

	topics, err := svc.GetTopicsByTids(context.Background(), []int64{6}, 7)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if got := topics[0].User.Username; got != "&lt;b&gt;visitor&lt;&#x2F;b&gt;" {
		t.Errorf("Expected escaped guest handle, got %q", got)
	}
}

func TestGetTopicsByTids_Hooks(t *testing.T) {
	svc, _, hooks := newTestService(t)
	hooks.OnTopicsGet(func(_ context.Context, p plugins.TopicsPayload) (plugins.TopicsPayload, error) {
		for _, topic := range p.Topics {
			topic.Title += " [seen]"
		}
		return p, nil
	})

	topics, err := svc.GetTopicsByTids(context.Background(), []int64{3}, 7)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if topics[0].Title != "Hello [seen]" {
		t.Errorf("Expected hook to rewrite title, got %q", topics[0].Title)
	}

	boom := errors.New("boom")
	hooks.OnTopicsGet(func(_ context.Context, p plugins.TopicsPayload) (plugins.TopicsPayload, error) {
		return p, boom
	})
	if _, err := svc.GetTopicsByTids(context.Background(), []int64{3}, 7); !errors.Is(err, boom) {
		t.Errorf("Expected hook error to propagate, got %v", err)
	}
}

func TestGetTopics_PrivateVisibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for viewer, want := range map[int64]int{5: 1, 7: 0, 0: 0, 1: 1} {
		topics, err := svc.GetTopics(ctx, []int64{2}, viewer)
		if err != nil {
			t.Fatalf("GetTopics failed: %v", err)
		}
		if len(topics) != want {
			t.Errorf("Viewer %d: expected %d topics, got %d", viewer, want, len(topics))
		}
	}
}

func TestGetTopics_ReadACL(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.privs.(*memPrivileges).unreadable[3] = true
	topics, err := svc.GetTopics(context.Background(), []int64{1, 3}, 7)
	if err != nil {
		t.Fatalf("GetTopics failed: %v", err)
	}
	if ids := topicIDs(topics); !equalIDs(ids, []int64{1}) {
		t.Errorf("Expected unreadable topic dropped, got %v", ids)
	}
}

func TestGetTopicsFromSet(t *testing.T) {
	svc, _, _ := newTestService(t)
	page, err := svc.GetTopicsFromSet(context.Background(), 1, 7, 0, 9)
	if err != nil {
		t.Fatalf("GetTopicsFromSet failed: %v", err)
	}
	if ids := topicIDs(page.Topics); !equalIDs(ids, []int64{1, 3}) {
		t.Errorf("Expected [1 3], got %v", ids)
	}
	if page.Topics[0].Index != 0 || page.Topics[1].Index != 1 {
		t.Errorf("Expected indices 0 and 1, got %d and %d", page.Topics[0].Index, page.Topics[1].Index)
	}
	if page.NextStart != 10 {
		t.Errorf("Expected nextStart 10, got %d", page.NextStart)
	}
}

func TestGetVisibleCounts(t *testing.T) {
	svc, _, _ := newTestService(t)
	tests := []struct {
		viewer       int64
		topics, post int
	}{
		{7, 2, 3},
		{1, 3, 4},
	}
	for _, tt := range tests {
		counts, err := svc.GetVisibleCounts(context.Background(), 1, tt.viewer)
		if err != nil {
			t.Fatalf("GetVisibleCounts failed: %v", err)
		}
		if counts.TopicCount != tt.topics || counts.PostCount != tt.post {
			t.Errorf("Viewer %d: expected %d/%d, got %d/%d", tt.viewer, tt.topics, tt.post, counts.TopicCount, counts.PostCount)
		}
	}
}

func TestTeaserSelection(t *testing.T) {
	tests := []struct {
		mode    string
		tid     int64
		wantPid int64
	}{
		{config.TeaserLastPost, 1, 12},
		{config.TeaserFirst, 1, 11},
		{config.TeaserLastReply, 1, 12},
		{config.TeaserLastReply, 3, 0},
		{config.TeaserLastPost, 3, 31},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			svc, _, _ := newTestService(t)
			svc.cfg.TeaserPost = tt.mode
			topics, err := svc.GetTopicsByTids(context.Background(), []int64{tt.tid}, 7)
			if err != nil {
				t.Fatalf("GetTopicsByTids failed: %v", err)
			}
			teaser := topics[0].Teaser
			switch {
			case tt.wantPid == 0 && teaser != nil:
				t.Errorf("Expected no teaser, got pid %d", teaser.PID)
			case tt.wantPid != 0 && (teaser == nil || teaser.PID != tt.wantPid):
				t.Errorf("Expected teaser pid %d, got %+v", tt.wantPid, teaser)
			}
			if topics[0].Unreplied != (teaser == nil) {
				t.Errorf("Expected unreplied to follow teaser presence")
			}
		})
	}
}

func TestTeaserMaskedByItsOwnAuthor(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.addPost(&models.Post{PID: 32, TID: 3, UID: 10, Anonymous: 1, Timestamp: 3500})
	store.topics[3].TeaserPID = 32
	store.topics[3].PostCount = 2

	topics, err := svc.GetTopicsByTids(context.Background(), []int64{3}, 7)
	if err != nil {
		t.Fatalf("GetTopicsByTids failed: %v", err)
	}
	if got := topics[0].Teaser.User.Username; got != "Anonymous Noble Elephant" {
		t.Errorf("Expected teaser masked with the (10, 3) name, got %q", got)
	}
	if topics[0].User.Username != "bob" {
		t.Errorf("Expected public topic author to stay visible, got %q", topics[0].User.Username)
	}
}

func TestBookmarkIndex(t *testing.T) {
	tests := []struct {
		stored, count int
		newToOld      bool
		want          int
	}{
		{0, 10, false, 0},
		{3, 10, false, 4},
		{10, 10, false, 10},
		{3, 10, true, 9},
		{12, 10, true, 1},
	}
	for _, tt := range tests {
		if got := bookmarkIndex(tt.stored, tt.count, tt.newToOld); got != tt.want {
			t.Errorf("bookmarkIndex(%d, %d, %v) = %d, want %d", tt.stored, tt.count, tt.newToOld, got, tt.want)
		}
	}
}

func TestGetMainPost(t *testing.T) {
	svc, _, _ := newTestService(t)
	post, err := svc.GetMainPost(context.Background(), 1, 99)
	if err != nil {
		t.Fatalf("GetMainPost failed: %v", err)
	}
	if post == nil || post.PID != 11 {
		t.Fatalf("Expected main post 11, got %+v", post)
	}
	if post.User.Username != "Anonymous Brave Elephant" || post.UID != 0 {
		t.Errorf("Expected masked author without uid, got %q (uid %d)", post.User.Username, post.UID)
	}
	if post.TimestampISO == "" {
		t.Error("Expected ISO timestamp")
	}

	missing, err := svc.GetMainPost(context.Background(), 404, 99)
	if err != nil || missing != nil {
		t.Errorf("Expected nil for a missing topic, got %+v (%v)", missing, err)
	}
}

func TestGetMainPost_AuthorAndGuest(t *testing.T) {
	svc, store, _ := newTestService(t)
	addGuestAnonymousTopic(store)
	ctx := context.Background()

	post, err := svc.GetMainPost(ctx, 1, 10)
	if err != nil {
		t.Fatalf("GetMainPost failed: %v", err)
	}
	if post.UID != 10 || post.User.Username != "alice" {
		t.Errorf("Expected author to see herself, got %q (uid %d)", post.User.Username, post.UID)
	}

	post, err = svc.GetMainPost(ctx, 4, 99)
	if err != nil {
		t.Fatalf("GetMainPost failed: %v", err)
	}
	if post.Handle != "" || !strings.HasPrefix(post.User.Username, "Anonymous ") {
		t.Errorf("Expected masked guest without handle, got %q (handle %q)", post.User.Username, post.Handle)
	}
}

func TestGetTopics_HiddenGuestHandle(t *testing.T) {
	svc, store, _ := newTestService(t)
	addGuestAnonymousTopic(store)

	topics, err := svc.GetTopics(context.Background(), []int64{4}, 99)
	if err != nil {
		t.Fatalf("GetTopics failed: %v", err)
	}
	if len(topics) != 1 || topics[0].Teaser == nil {
		t.Fatalf("Expected topic 4 with a teaser, got %+v", topics)
	}
	if topics[0].Teaser.Handle != "" || topics[0].Teaser.UID != 0 {
		t.Errorf("Expected teaser handle cleared, got %q", topics[0].Teaser.Handle)
	}
	for _, u := range []*models.User{topics[0].User, topics[0].Teaser.User} {
		if !strings.HasPrefix(u.Username, "Anonymous ") {
			t.Errorf("Expected synthetic user, got %q", u.Username)
		}
	}
	data, err := json.Marshal(topics)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), guestSecret) {
		t.Errorf("Expected guest handle absent from %s", data)
	}
}
