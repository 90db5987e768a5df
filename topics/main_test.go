package topics

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"testing"

	"agora/config"
	"agora/models"
	"agora/plugins"
)

// memStore is an in-memory Store. Missing ids yield nil entries.
type memStore struct {
	mu         sync.Mutex
	topics     map[int64]*models.Topic
	posts      map[int64]*models.Post
	users      map[int64]*models.User
	settings   map[int64]models.UserSettings
	categories map[int64]*models.Category
	tags       map[int64][]string
	thumbs     map[int64][]models.Thumb
	reads      map[int64]map[int64]bool
	follows    map[int64]map[int64]models.FollowData
	bookmarks  map[int64]map[int64]int
	events     map[int64][]models.Event
	related    map[int64][]int64

	topicLookups map[int64]int
}

func newMemStore() *memStore {
	return &memStore{
		topics:       map[int64]*models.Topic{},
		posts:        map[int64]*models.Post{},
		users:        map[int64]*models.User{},
		settings:     map[int64]models.UserSettings{},
		categories:   map[int64]*models.Category{},
		tags:         map[int64][]string{},
		thumbs:       map[int64][]models.Thumb{},
		reads:        map[int64]map[int64]bool{},
		follows:      map[int64]map[int64]models.FollowData{},
		bookmarks:    map[int64]map[int64]int{},
		events:       map[int64][]models.Event{},
		related:      map[int64][]int64{},
		topicLookups: map[int64]int{},
	}
}

func (m *memStore) addTopic(t *models.Topic) {
	m.topics[t.TID] = t
}

func (m *memStore) addPost(p *models.Post) {
	m.posts[p.PID] = p
}

func (m *memStore) GetTopicsData(_ context.Context, tids []int64) ([]*models.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Topic, len(tids))
	for i, tid := range tids {
		if t, ok := m.topics[tid]; ok {
			cp := *t
			out[i] = &cp
		}
	}
	return out, nil
}

func (m *memStore) GetTopicData(_ context.Context, tid int64) (*models.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topicLookups[tid]++
	t, ok := m.topics[tid]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTopicTitle(_ context.Context, tid int64) (string, error) {
	if t, ok := m.topics[tid]; ok {
		return t.Title, nil
	}
	return "", models.ErrNotFound
}

func (m *memStore) GetPostTid(_ context.Context, pid int64) (int64, error) {
	if p, ok := m.posts[pid]; ok {
		return p.TID, nil
	}
	return 0, models.ErrNotFound
}

func (m *memStore) GetPostsData(_ context.Context, pids []int64) ([]*models.Post, error) {
	out := make([]*models.Post, len(pids))
	for i, pid := range pids {
		if p, ok := m.posts[pid]; ok {
			cp := *p
			out[i] = &cp
		}
	}
	return out, nil
}

func (m *memStore) topicPosts(tid int64) []*models.Post {
	var posts []*models.Post
	for _, p := range m.posts {
		if p.TID == tid {
			cp := *p
			posts = append(posts, &cp)
		}
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].Timestamp < posts[j].Timestamp })
	for i, p := range posts {
		p.Index = i
	}
	return posts
}

func (m *memStore) GetTopicPosts(_ context.Context, tid int64, start, stop int, reverse bool) ([]*models.Post, error) {
	posts := m.topicPosts(tid)
	if reverse {
		slices.Reverse(posts)
	}
	if stop < 0 || stop >= len(posts) {
		stop = len(posts) - 1
	}
	if start > stop {
		return []*models.Post{}, nil
	}
	return posts[start : stop+1], nil
}

func (m *memStore) GetTopicPostTimestamps(_ context.Context, tid int64) ([]int64, error) {
	var out []int64
	for _, p := range m.topicPosts(tid) {
		out = append(out, p.Timestamp)
	}
	return out, nil
}

func (m *memStore) GetUsersData(_ context.Context, uids []int64) ([]*models.User, error) {
	out := make([]*models.User, len(uids))
	for i, uid := range uids {
		if u, ok := m.users[uid]; ok {
			cp := *u
			out[i] = &cp
		}
	}
	return out, nil
}

func (m *memStore) GetUsersSettings(_ context.Context, uids []int64) ([]models.UserSettings, error) {
	out := make([]models.UserSettings, len(uids))
	for i, uid := range uids {
		out[i] = m.settings[uid]
		out[i].UID = uid
	}
	return out, nil
}

func (m *memStore) GetCategoriesData(_ context.Context, cids []int64) ([]*models.Category, error) {
	out := make([]*models.Category, len(cids))
	for i, cid := range cids {
		out[i] = m.categories[cid]
	}
	return out, nil
}

func (m *memStore) GetCategoryData(_ context.Context, cid int64) (*models.Category, error) {
	return m.categories[cid], nil
}

func (m *memStore) GetTagWhitelist(_ context.Context, cid int64) ([]string, error) {
	return m.tags[cid], nil
}

func (m *memStore) GetThumbs(_ context.Context, tids []int64) ([][]models.Thumb, error) {
	out := make([][]models.Thumb, len(tids))
	for i, tid := range tids {
		out[i] = m.thumbs[tid]
	}
	return out, nil
}

func (m *memStore) HasReadTopics(_ context.Context, tids []int64, uid int64) ([]bool, error) {
	out := make([]bool, len(tids))
	for i, tid := range tids {
		out[i] = m.reads[uid][tid]
	}
	return out, nil
}

func (m *memStore) GetFollowData(_ context.Context, tids []int64, uid int64) ([]models.FollowData, error) {
	out := make([]models.FollowData, len(tids))
	for i, tid := range tids {
		out[i] = m.follows[uid][tid]
	}
	return out, nil
}

func (m *memStore) GetUserBookmarks(_ context.Context, tids []int64, uid int64) ([]int, error) {
	out := make([]int, len(tids))
	for i, tid := range tids {
		out[i] = m.bookmarks[uid][tid]
	}
	return out, nil
}

func (m *memStore) GetTopicEvents(_ context.Context, tid int64) ([]models.Event, error) {
	return slices.Clone(m.events[tid]), nil
}

func (m *memStore) GetRelatedTids(_ context.Context, topic *models.Topic, limit int) ([]int64, error) {
	tids := m.related[topic.TID]
	if len(tids) > limit {
		tids = tids[:limit]
	}
	return tids, nil
}

func (m *memStore) GetCategoryTids(_ context.Context, cid int64, start, stop int) ([]int64, error) {
	var tids []int64
	for tid, t := range m.topics {
		if t.CID == cid {
			tids = append(tids, tid)
		}
	}
	slices.Sort(tids)
	if stop < 0 || stop >= len(tids) {
		stop = len(tids) - 1
	}
	if start > stop {
		return []int64{}, nil
	}
	return tids[start : stop+1], nil
}

// memPrivileges grants administrator and global moderator roles by uid.
type memPrivileges struct {
	admins     map[int64]bool
	moderators map[int64]bool
	unreadable map[int64]bool
}

func (p *memPrivileges) IsAdminOrMod(_ context.Context, _ int64, uid int64) (bool, error) {
	return p.admins[uid] || p.moderators[uid], nil
}

func (p *memPrivileges) IsAdministrator(_ context.Context, uid int64) (bool, error) {
	return p.admins[uid], nil
}

func (p *memPrivileges) FilterTids(_ context.Context, _ string, tids []int64, _ int64) ([]int64, error) {
	out := make([]int64, 0, len(tids))
	for _, tid := range tids {
		if !p.unreadable[tid] {
			out = append(out, tid)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// newTestService seeds a small forum:
//
//	uid 1 admin, uid 5 and 10 members, uid 7 and 99 bystanders
//	cid 1 "General", cid 2 disabled
//	tid 1 anonymous by 10, tid 2 private by 5, tid 3 public by 5 in cid 1
func newTestService(t *testing.T) (*Service, *memStore, *plugins.Hooks) {
	t.Helper()
	store := newMemStore()
	for _, u := range []*models.User{
		{UID: 1, Username: "admin", DisplayName: "admin", Userslug: "admin", Fullname: "Ada Admin"},
		{UID: 5, Username: "bob", DisplayName: "bob", Userslug: "bob", Fullname: "Bob Builder"},
		{UID: 7, Username: "carol", DisplayName: "carol", Userslug: "carol"},
		{UID: 10, Username: "alice", DisplayName: "alice", Userslug: "alice", Picture: "/a.png"},
		{UID: 99, Username: "dave", DisplayName: "dave", Userslug: "dave"},
	} {
		store.users[u.UID] = u
	}
	store.settings[5] = models.UserSettings{ShowFullname: true}
	store.categories[1] = &models.Category{CID: 1, Name: "General", Slug: "general", MinTags: 0, MaxTags: 5}
	store.categories[2] = &models.Category{CID: 2, Name: "Archive", Slug: "archive", Disabled: true}

	store.addTopic(&models.Topic{TID: 1, UID: 10, CID: 1, Title: "Anon", Slug: "anon", MainPID: 11, TeaserPID: 12, PostCount: 2, Anonymous: 1, Timestamp: 1000})
	store.addTopic(&models.Topic{TID: 2, UID: 5, CID: 1, Title: "Secret", Slug: "secret", MainPID: 21, TeaserPID: 21, PostCount: 1, Private: 1, Timestamp: 2000})
	store.addTopic(&models.Topic{TID: 3, UID: 5, CID: 1, Title: "Hello", Slug: "hello", MainPID: 31, TeaserPID: 31, PostCount: 1, Timestamp: 3000})

	store.addPost(&models.Post{PID: 11, TID: 1, UID: 10, Content: "first", Anonymous: 1, Timestamp: 1000})
	store.addPost(&models.Post{PID: 12, TID: 1, UID: 5, Content: "reply", Timestamp: 1500})
	store.addPost(&models.Post{PID: 21, TID: 2, UID: 5, Content: "secret", Timestamp: 2000})
	store.addPost(&models.Post{PID: 31, TID: 3, UID: 5, Content: "hello", Timestamp: 3000})

	privs := &memPrivileges{
		admins:     map[int64]bool{1: true},
		moderators: map[int64]bool{},
		unreadable: map[int64]bool{},
	}
	hooks := plugins.New(testLogger())
	cfg := config.Default()
	svc := NewService(store, privs, hooks, cfg, NewNamer(DefaultWordList()), testLogger())
	return svc, store, hooks
}

const guestSecret = "SecretHandle"

// addGuestAnonymousTopic adds tid 4, an anonymous topic by a guest whose
// handle must never reach a masked viewer.
func addGuestAnonymousTopic(store *memStore) {
	store.addTopic(&models.Topic{TID: 4, UID: 0, CID: 1, Title: "Guest secret", Slug: "guest-secret", MainPID: 41, TeaserPID: 41, PostCount: 1, Anonymous: 1, Timestamp: 4000})
	store.addPost(&models.Post{PID: 41, TID: 4, UID: 0, Content: "quiet", Handle: guestSecret, Anonymous: 1, Timestamp: 4000})
}
