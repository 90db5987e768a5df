package topics

import (
	"context"
	"fmt"

	"agora/models"
	"agora/plugins"
	"agora/utils"

	"golang.org/x/sync/errgroup"
)

const (
	PrivilegeRead   = "topics:read"
	SortNewToOld    = "newest_to_oldest"
	instructorBadge = "Instructor"
)

// GetTopics applies the read ACL, aggregates, then drops private topics the
// viewer may not see.
func (s *Service) GetTopics(ctx context.Context, tids []int64, uid int64) ([]*models.Topic, error) {
	if len(tids) == 0 {
		return []*models.Topic{}, nil
	}
	allowed, err := s.privs.FilterTids(ctx, PrivilegeRead, tids, uid)
	if err != nil {
		return nil, fmt.Errorf("filtering readable topics: %w", err)
	}
	topics, err := s.GetTopicsByTids(ctx, allowed, uid)
	if err != nil {
		return nil, err
	}
	visible, err := s.FilterVisibleTopics(ctx, topics, uid)
	if err != nil {
		return nil, err
	}
	s.redactAuthors(visible, uid)
	return visible, nil
}

// redactAuthors clears the raw author ids and guest handles of topics and
// teasers shown under a synthetic identity. It runs after visibility
// filtering, which needs them.
func (s *Service) redactAuthors(topics []*models.Topic, uid int64) {
	for _, t := range topics {
		if t.Teaser != nil && s.masker.Masks(PostAuthor(t.Teaser), uid, t.IsAdminOrMod) {
			t.Teaser.UID = 0
			t.Teaser.Handle = ""
		}
		if s.masker.Masks(TopicAuthor(t), uid, t.IsAdminOrMod) {
			t.UID = 0
		}
	}
}

// GetTopicsFromSet returns one page of a category's topic index, newest activity first.
func (s *Service) GetTopicsFromSet(ctx context.Context, cid, uid int64, start, stop int) (*models.TopicPage, error) {
	tids, err := s.store.GetCategoryTids(ctx, cid, start, stop)
	if err != nil {
		return nil, fmt.Errorf("loading topic index of category %d: %w", cid, err)
	}
	topics, err := s.GetTopics(ctx, tids, uid)
	if err != nil {
		return nil, err
	}
	calculateTopicIndices(topics, start)
	return &models.TopicPage{Topics: topics, NextStart: stop + 1}, nil
}

func calculateTopicIndices(topics []*models.Topic, start int) {
	for i, t := range topics {
		if t != nil {
			t.Index = start + i
		}
	}
}

// GetVisibleCounts counts the topics and posts of a category visible to uid.
func (s *Service) GetVisibleCounts(ctx context.Context, cid, uid int64) (*models.VisibleCounts, error) {
	tids, err := s.store.GetCategoryTids(ctx, cid, 0, -1)
	if err != nil {
		return nil, fmt.Errorf("loading topic index of category %d: %w", cid, err)
	}
	counts := &models.VisibleCounts{}
	if len(tids) == 0 {
		return counts, nil
	}
	topics, err := s.GetTopics(ctx, tids, uid)
	if err != nil {
		return nil, err
	}
	counts.TopicCount = len(topics)
	for _, t := range topics {
		counts.PostCount += t.PostCount
	}
	return counts, nil
}

type loadedTopics struct {
	topics       []*models.Topic
	teasers      []*models.Post
	users        map[int64]*models.User
	categories   map[int64]*models.Category
	guestHandles map[int64]string
	thumbs       [][]models.Thumb
}

// GetTopicsByTids joins topics with their authors, categories, teasers,
// thumbnails and the viewer's read state, masking anonymous authors. Output
// follows input order; topics that do not exist or whose category is missing
// or disabled are dropped.
func (s *Service) GetTopicsByTids(ctx context.Context, tids []int64, uid int64) ([]*models.Topic, error) {
	if len(tids) == 0 {
		return []*models.Topic{}, nil
	}

	var (
		result     *loadedTopics
		hasRead    = make([]bool, len(tids))
		followData = make([]models.FollowData, len(tids))
		bookmarks  = make([]int, len(tids))
		sortOrder  string
		privileged = make([]bool, len(tids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		result, err = s.loadTopics(gctx, tids)
		return err
	})
	if uid > 0 {
		g.Go(func() error {
			read, err := s.store.HasReadTopics(gctx, tids, uid)
			if err != nil {
				return fmt.Errorf("loading read state: %w", err)
			}
			copy(hasRead, read)
			return nil
		})
		g.Go(func() error {
			follow, err := s.store.GetFollowData(gctx, tids, uid)
			if err != nil {
				return fmt.Errorf("loading follow state: %w", err)
			}
			copy(followData, follow)
			return nil
		})
		g.Go(func() error {
			marks, err := s.store.GetUserBookmarks(gctx, tids, uid)
			if err != nil {
				return fmt.Errorf("loading bookmarks: %w", err)
			}
			copy(bookmarks, marks)
			return nil
		})
		g.Go(func() error {
			settings, err := s.store.GetUsersSettings(gctx, []int64{uid})
			if err != nil {
				return fmt.Errorf("loading viewer settings: %w", err)
			}
			if len(settings) > 0 {
				sortOrder = settings[0].TopicPostSort
			}
			return nil
		})
		for i, tid := range tids {
			g.Go(func() error {
				ok, err := s.privs.IsAdminOrMod(gctx, tid, uid)
				if err != nil {
					return fmt.Errorf("checking moderator status on topic %d: %w", tid, err)
				}
				privileged[i] = ok
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	adminOrMod := make(map[int64]bool, len(tids))
	for i, tid := range tids {
		adminOrMod[tid] = privileged[i]
	}

	sortNewToOld := sortOrder == SortNewToOld
	for i, topic := range result.topics {
		if topic == nil {
			continue
		}
		topic.Thumbs = result.thumbs[i]
		if topic.Thumbs == nil {
			topic.Thumbs = []models.Thumb{}
		}
		topic.Category = result.categories[topic.CID]
		topic.User = s.authorOf(topic.UID, result.users)
		if handle := result.guestHandles[topic.TID]; handle != "" {
			topic.User.Username = utils.Escape(handle)
			topic.User.DisplayName = topic.User.Username
		}
		topic.User = s.masker.ProjectIdentity(topic.User, TopicAuthor(topic), uid, adminOrMod[topic.TID])

		topic.Teaser = result.teasers[i]
		if topic.Teaser != nil {
			topic.Teaser.User = s.masker.ProjectIdentity(topic.Teaser.User, PostAuthor(topic.Teaser), uid, adminOrMod[topic.TID])
		}
		topic.IsOwner = uid > 0 && topic.UID == uid
		topic.Ignored = followData[i].Ignoring
		topic.Followed = followData[i].Following
		topic.Unread = uid <= 0 || (!hasRead[i] && !topic.Ignored)
		topic.Bookmark = bookmarkIndex(bookmarks[i], topic.PostCount, sortNewToOld)
		topic.Unreplied = topic.Teaser == nil
		topic.Icons = []string{}
	}

	filtered := make([]*models.Topic, 0, len(result.topics))
	for _, topic := range result.topics {
		if topic != nil && topic.Category != nil && !topic.Category.Disabled {
			filtered = append(filtered, topic)
		}
	}

	hookResult, err := s.hooks.FireTopicsGet(ctx, plugins.TopicsPayload{Topics: filtered, UID: uid})
	if err != nil {
		return nil, err
	}

	topics := hookResult.Topics
	g, gctx = errgroup.WithContext(ctx)
	for _, topic := range topics {
		if topic == nil {
			continue
		}
		if topic.Private != 1 {
			topic.Private = 0
		}
		if known, ok := adminOrMod[topic.TID]; ok || uid <= 0 {
			topic.IsAdminOrMod = known
			continue
		}
		g.Go(func() error {
			ok, err := s.privs.IsAdminOrMod(gctx, topic.TID, uid)
			if err != nil {
				return fmt.Errorf("checking moderator status on topic %d: %w", topic.TID, err)
			}
			topic.IsAdminOrMod = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return topics, nil
}

// bookmarkIndex converts a stored bookmark into the post index to resume at.
func bookmarkIndex(stored, postCount int, newToOld bool) int {
	if stored <= 0 {
		return 0
	}
	if newToOld {
		return max(1, postCount+2-stored)
	}
	return min(postCount, stored+1)
}

func (s *Service) loadTopics(ctx context.Context, tids []int64) (*loadedTopics, error) {
	topics, err := s.store.GetTopicsData(ctx, tids)
	if err != nil {
		return nil, fmt.Errorf("loading topics: %w", err)
	}

	var uids, cids []int64
	var guestTopics []*models.Topic
	for _, t := range topics {
		if t == nil {
			continue
		}
		uids = append(uids, t.UID)
		cids = append(cids, t.CID)
		if t.UID == 0 {
			guestTopics = append(guestTopics, t)
		}
	}
	uids = utils.UniqueInt64(uids)
	cids = utils.UniqueInt64(cids)

	var (
		teasers      []*models.Post
		users        []*models.User
		settings     []models.UserSettings
		categories   []*models.Category
		guestHandles []string
		thumbs       [][]models.Thumb
		adminStatus  = make([]bool, len(uids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		teasers, err = s.getTeasers(gctx, topics)
		return err
	})
	g.Go(func() error {
		var err error
		if users, err = s.store.GetUsersData(gctx, uids); err != nil {
			return fmt.Errorf("loading topic authors: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if s.cfg.HideFullname {
			settings = make([]models.UserSettings, len(uids))
			return nil
		}
		var err error
		if settings, err = s.store.GetUsersSettings(gctx, uids); err != nil {
			return fmt.Errorf("loading author settings: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if categories, err = s.store.GetCategoriesData(gctx, cids); err != nil {
			return fmt.Errorf("loading categories: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		mainPids := make([]int64, len(guestTopics))
		for i, t := range guestTopics {
			mainPids[i] = t.MainPID
		}
		posts, err := s.store.GetPostsData(gctx, mainPids)
		if err != nil {
			return fmt.Errorf("loading guest handles: %w", err)
		}
		guestHandles = make([]string, len(guestTopics))
		for i, p := range posts {
			if p != nil {
				guestHandles[i] = p.Handle
			}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if thumbs, err = s.store.GetThumbs(gctx, tids); err != nil {
			return fmt.Errorf("loading thumbnails: %w", err)
		}
		return nil
	})
	for i, authorUID := range uids {
		g.Go(func() error {
			ok, err := s.privs.IsAdministrator(gctx, authorUID)
			if err != nil {
				return fmt.Errorf("checking administrator status of %d: %w", authorUID, err)
			}
			adminStatus[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	usersMap := make(map[int64]*models.User, len(uids))
	for i, u := range users {
		if u == nil {
			continue
		}
		if i >= len(settings) || !settings[i].ShowFullname {
			u.Fullname = ""
		}
		if i < len(adminStatus) && adminStatus[i] {
			u.Badges = append([]string{instructorBadge}, u.Badges...)
		}
		usersMap[uids[i]] = u
	}
	categoriesMap := make(map[int64]*models.Category, len(cids))
	for i, c := range categories {
		if c != nil {
			categoriesMap[cids[i]] = c
		}
	}
	handles := make(map[int64]string, len(guestTopics))
	for i, t := range guestTopics {
		handles[t.TID] = guestHandles[i]
	}
	if len(thumbs) != len(topics) {
		thumbs = make([][]models.Thumb, len(topics))
	}

	return &loadedTopics{
		topics:       topics,
		teasers:      teasers,
		users:        usersMap,
		categories:   categoriesMap,
		guestHandles: handles,
		thumbs:       thumbs,
	}, nil
}

// authorOf returns a private copy of the author record so that per-topic
// changes never leak between topics by the same user.
func (s *Service) authorOf(uid int64, users map[int64]*models.User) *models.User {
	if u, ok := users[uid]; ok && uid != 0 {
		cp := *u
		cp.Badges = append([]string(nil), u.Badges...)
		return &cp
	}
	return guestUser()
}

func guestUser() *models.User {
	return &models.User{UID: 0, Username: "Guest", DisplayName: "Guest", Status: "offline"}
}

// GetMainPids returns each topic's first post id, 0 for missing topics.
func (s *Service) GetMainPids(ctx context.Context, tids []int64) ([]int64, error) {
	if len(tids) == 0 {
		return []int64{}, nil
	}
	topics, err := s.store.GetTopicsData(ctx, tids)
	if err != nil {
		return nil, err
	}
	pids := make([]int64, len(topics))
	for i, t := range topics {
		if t != nil {
			pids[i] = t.MainPID
		}
	}
	return pids, nil
}

// GetMainPost returns a topic's first post as seen by uid, or nil.
func (s *Service) GetMainPost(ctx context.Context, tid, uid int64) (*models.Post, error) {
	pids, err := s.GetMainPids(ctx, []int64{tid})
	if err != nil {
		return nil, err
	}
	if len(pids) == 0 || pids[0] == 0 {
		return nil, nil
	}
	posts, err := s.store.GetPostsData(ctx, pids)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 || posts[0] == nil {
		return nil, nil
	}
	post := posts[0]
	post.Index = 0
	if err := s.addPostData(ctx, []*models.Post{post}); err != nil {
		return nil, err
	}
	privileged := false
	if uid > 0 {
		if privileged, err = s.privs.IsAdminOrMod(ctx, tid, uid); err != nil {
			return nil, err
		}
	}
	s.masker.MaskPost(post, uid, privileged)
	return post, nil
}

// addPostData attaches real author records and ISO timestamps to posts.
// Callers mask the result.
func (s *Service) addPostData(ctx context.Context, posts []*models.Post) error {
	var uids []int64
	for _, p := range posts {
		if p != nil {
			uids = append(uids, p.UID)
		}
	}
	uids = utils.UniqueInt64(uids)
	users, err := s.store.GetUsersData(ctx, uids)
	if err != nil {
		return fmt.Errorf("loading post authors: %w", err)
	}
	usersMap := make(map[int64]*models.User, len(uids))
	for i, u := range users {
		if u != nil {
			usersMap[uids[i]] = u
		}
	}
	for _, p := range posts {
		if p == nil {
			continue
		}
		p.User = s.authorOf(p.UID, usersMap)
		if p.UID == 0 && p.Handle != "" {
			p.User.Username = utils.Escape(p.Handle)
			p.User.DisplayName = p.User.Username
		}
		p.TimestampISO = utils.ToISOString(p.Timestamp)
	}
	return nil
}
