// Package posts builds post summary feeds: recent posts, search results and
// arbitrary pid lists, filtered and masked for a viewer.
package posts

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"agora/config"
	"agora/models"
	"agora/plugins"
	"agora/topics"
	"agora/utils"

	"golang.org/x/sync/errgroup"
)

const SearchLimit = 50

type Store interface {
	GetPostsData(ctx context.Context, pids []int64) ([]*models.Post, error)
	GetTopicsData(ctx context.Context, tids []int64) ([]*models.Topic, error)
	GetUsersData(ctx context.Context, uids []int64) ([]*models.User, error)
	GetCategoriesData(ctx context.Context, cids []int64) ([]*models.Category, error)
	GetPostIndex(ctx context.Context, pid int64) (int, error)
	// GetRecentPids returns pids newest first with timestamp >= since.
	GetRecentPids(ctx context.Context, since int64, start, stop int) ([]int64, error)
	SearchPids(ctx context.Context, query string, cid int64, limit int) ([]int64, error)
}

type Privileges interface {
	FilterTids(ctx context.Context, privilege string, tids []int64, uid int64) ([]int64, error)
	IsAdminOrMod(ctx context.Context, tid, uid int64) (bool, error)
}

// Visibility is the private-topic filter and identity masker shared with topic reads.
type Visibility interface {
	FilterVisiblePosts(ctx context.Context, posts []*models.Post, uid int64) ([]*models.Post, error)
	Masker() *topics.Masker
}

type Service struct {
	store   Store
	privs   Privileges
	visible Visibility
	hooks   *plugins.Hooks
	cfg     *config.Config
	logger  *slog.Logger
}

func NewService(store Store, privs Privileges, visible Visibility, hooks *plugins.Hooks, cfg *config.Config, logger *slog.Logger) *Service {
	return &Service{store: store, privs: privs, visible: visible, hooks: hooks, cfg: cfg, logger: logger}
}

// GetPostSummariesByPids returns the readable, visible posts among pids in
// input order, each joined with a trimmed topic, its category and a masked author.
func (s *Service) GetPostSummariesByPids(ctx context.Context, pids []int64, uid int64) ([]*models.Post, error) {
	if len(pids) == 0 {
		return []*models.Post{}, nil
	}

	posts, err := s.store.GetPostsData(ctx, pids)
	if err != nil {
		return nil, fmt.Errorf("loading posts: %w", err)
	}
	var live []*models.Post
	var tids, uids []int64
	for _, p := range posts {
		if p == nil || p.Deleted == 1 {
			continue
		}
		live = append(live, p)
		tids = append(tids, p.TID)
		uids = append(uids, p.UID)
	}
	tids = utils.UniqueInt64(tids)
	uids = utils.UniqueInt64(uids)
	if len(live) == 0 {
		return []*models.Post{}, nil
	}

	var (
		topicsData []*models.Topic
		users      []*models.User
		readable   []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if topicsData, err = s.store.GetTopicsData(gctx, tids); err != nil {
			return fmt.Errorf("loading topics of posts: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if users, err = s.store.GetUsersData(gctx, uids); err != nil {
			return fmt.Errorf("loading post authors: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		readable, err = s.privs.FilterTids(gctx, topics.PrivilegeRead, tids, uid)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	topicMap := make(map[int64]*models.Topic, len(tids))
	var cids []int64
	for i, t := range topicsData {
		if t != nil {
			topicMap[tids[i]] = t
			cids = append(cids, t.CID)
		}
	}
	categories, err := s.store.GetCategoriesData(ctx, utils.UniqueInt64(cids))
	if err != nil {
		return nil, fmt.Errorf("loading categories of posts: %w", err)
	}
	categoryMap := make(map[int64]*models.Category, len(categories))
	for _, c := range categories {
		if c != nil {
			categoryMap[c.CID] = c
		}
	}
	userMap := make(map[int64]*models.User, len(users))
	for i, u := range users {
		if u != nil {
			userMap[uids[i]] = u
		}
	}
	allowed := make(map[int64]bool, len(readable))
	for _, tid := range readable {
		allowed[tid] = true
	}

	summaries := make([]*models.Post, 0, len(live))
	for _, p := range live {
		t := topicMap[p.TID]
		if t == nil || !allowed[p.TID] {
			continue
		}
		category := categoryMap[t.CID]
		if category == nil || category.Disabled {
			continue
		}
		p.Topic = &models.Topic{
			TID:       t.TID,
			UID:       t.UID,
			CID:       t.CID,
			Title:     t.Title,
			Slug:      t.Slug,
			Private:   t.Private,
			Anonymous: t.Anonymous,
		}
		p.Category = category
		p.User = authorOf(p, userMap)
		p.TimestampISO = utils.ToISOString(p.Timestamp)
		summaries = append(summaries, p)
	}

	summaries, err = s.visible.FilterVisiblePosts(ctx, summaries, uid)
	if err != nil {
		return nil, err
	}
	if err := s.maskAuthors(ctx, summaries, uid); err != nil {
		return nil, err
	}

	res, err := s.hooks.FirePostSummaries(ctx, plugins.PostSummariesPayload{Posts: summaries, UID: uid})
	if err != nil {
		return nil, err
	}
	return res.Posts, nil
}

func authorOf(p *models.Post, users map[int64]*models.User) *models.User {
	if u, ok := users[p.UID]; ok && p.UID != 0 {
		cp := *u
		return &cp
	}
	guest := &models.User{Username: "Guest", DisplayName: "Guest", Status: "offline"}
	if p.Handle != "" {
		guest.Username = utils.Escape(p.Handle)
		guest.DisplayName = guest.Username
	}
	return guest
}

// maskAuthors projects each anonymous post's author using the viewer's
// moderator status in that post's topic, and clears raw author ids and guest
// handles that the projection hides.
func (s *Service) maskAuthors(ctx context.Context, posts []*models.Post, uid int64) error {
	privileged := make(map[int64]bool)
	if uid > 0 {
		var tids []int64
		for _, p := range posts {
			if p.Anonymous == 1 || (p.Topic != nil && p.Topic.Anonymous == 1) {
				tids = append(tids, p.TID)
			}
		}
		tids = utils.UniqueInt64(tids)
		results := make([]bool, len(tids))
		g, gctx := errgroup.WithContext(ctx)
		for i, tid := range tids {
			g.Go(func() error {
				ok, err := s.privs.IsAdminOrMod(gctx, tid, uid)
				if err != nil {
					return fmt.Errorf("checking moderator status on topic %d: %w", tid, err)
				}
				results[i] = ok
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		for i, tid := range tids {
			privileged[tid] = results[i]
		}
	}

	masker := s.visible.Masker()
	for _, p := range posts {
		masker.MaskPost(p, uid, privileged[p.TID])
		if p.Topic != nil && masker.Masks(topics.TopicAuthor(p.Topic), uid, privileged[p.TID]) {
			p.Topic.UID = 0
		}
	}
	return nil
}

// TermSince converts a recent-posts term to the earliest timestamp in
// milliseconds. An empty or unknown term means no lower bound.
func TermSince(term string, now time.Time) int64 {
	var d time.Duration
	switch term {
	case "day":
		d = 24 * time.Hour
	case "week":
		d = 7 * 24 * time.Hour
	case "month":
		d = 30 * 24 * time.Hour
	default:
		return 0
	}
	return now.Add(-d).UnixMilli()
}

// GetRecentPosts returns summaries of the newest posts within term.
func (s *Service) GetRecentPosts(ctx context.Context, uid int64, start, stop int, term string) ([]*models.Post, error) {
	pids, err := s.store.GetRecentPids(ctx, TermSince(term, utils.GetTime()), start, stop)
	if err != nil {
		return nil, fmt.Errorf("loading recent posts: %w", err)
	}
	return s.GetPostSummariesByPids(ctx, pids, uid)
}

// Search runs a full-text query over topic titles and post content, optionally
// within one category.
func (s *Service) Search(ctx context.Context, query string, cid, uid int64) ([]*models.Post, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []*models.Post{}, nil
	}
	pids, err := s.store.SearchPids(ctx, query, cid, SearchLimit)
	if err != nil {
		return nil, fmt.Errorf("searching posts: %w", err)
	}
	return s.GetPostSummariesByPids(ctx, pids, uid)
}

// GeneratePostPath returns the relative URL of a post within its topic, or ""
// when the post or its topic does not exist.
func (s *Service) GeneratePostPath(ctx context.Context, pid int64) (string, error) {
	posts, err := s.store.GetPostsData(ctx, []int64{pid})
	if err != nil {
		return "", err
	}
	if len(posts) == 0 || posts[0] == nil {
		return "", nil
	}
	topicsData, err := s.store.GetTopicsData(ctx, []int64{posts[0].TID})
	if err != nil {
		return "", err
	}
	if len(topicsData) == 0 || topicsData[0] == nil {
		return "", nil
	}
	index, err := s.store.GetPostIndex(ctx, pid)
	if err != nil {
		return "", err
	}
	t := topicsData[0]
	return s.cfg.RelativePath + "/topic/" + strconv.FormatInt(t.TID, 10) + "/" + t.Slug + "/" + strconv.Itoa(index+1), nil
}
