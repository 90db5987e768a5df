package topics

import (
	"context"
	"fmt"
	"math"
	"slices"

	"agora/models"
	"agora/plugins"
	"agora/utils"

	"golang.org/x/sync/errgroup"
)

// GetTopicWithPosts assembles a topic page for uid: posts start..stop
// (inclusive, stop -1 for all) with their timeline events, plus the topic's
// category settings, thread tools, viewer state, lifecycle actors and related
// topics. Anonymous authors are masked per post.
func (s *Service) GetTopicWithPosts(ctx context.Context, topic *models.Topic, uid int64, start, stop int, reverse bool) (*models.TopicView, error) {
	if topic == nil {
		return nil, ErrInvalidData
	}

	var (
		posts        []*models.Post
		category     *models.Category
		tagWhitelist []string
		threadTools  []models.ThreadTool
		followData   models.FollowData
		bookmark     int
		deleter      *models.Actor
		merger       *models.Actor
		forker       *models.Actor
		related      []*models.Topic
		thumbs       []models.Thumb
		events       []models.Event
		privileged   bool
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		posts, err = s.getTopicPosts(gctx, topic, start, stop, reverse)
		return err
	})
	g.Go(func() error {
		var err error
		if category, err = s.store.GetCategoryData(gctx, topic.CID); err != nil {
			return fmt.Errorf("loading category %d: %w", topic.CID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if tagWhitelist, err = s.store.GetTagWhitelist(gctx, topic.CID); err != nil {
			return fmt.Errorf("loading tag whitelist: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		res, err := s.hooks.FireThreadTools(gctx, plugins.ThreadToolsPayload{Topic: topic, UID: uid})
		if err != nil {
			return err
		}
		threadTools = res.Tools
		return nil
	})
	if uid > 0 {
		g.Go(func() error {
			follow, err := s.store.GetFollowData(gctx, []int64{topic.TID}, uid)
			if err != nil {
				return fmt.Errorf("loading follow state: %w", err)
			}
			if len(follow) > 0 {
				followData = follow[0]
			}
			return nil
		})
		g.Go(func() error {
			marks, err := s.store.GetUserBookmarks(gctx, []int64{topic.TID}, uid)
			if err != nil {
				return fmt.Errorf("loading bookmark: %w", err)
			}
			if len(marks) > 0 {
				bookmark = marks[0]
			}
			return nil
		})
		g.Go(func() error {
			var err error
			if privileged, err = s.privs.IsAdminOrMod(gctx, topic.TID, uid); err != nil {
				return fmt.Errorf("checking moderator status on topic %d: %w", topic.TID, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		var err error
		deleter, _, err = s.getActor(gctx, topic.DeleterUID, 0)
		return err
	})
	g.Go(func() error {
		var title string
		var err error
		merger, title, err = s.getActor(gctx, topic.MergerUID, topic.MergeIntoTID)
		if merger != nil {
			merger.MergedIntoTitle = title
		}
		return err
	})
	g.Go(func() error {
		var title string
		var err error
		forker, title, err = s.getActor(gctx, topic.ForkerUID, topic.ForkedFromTID)
		if forker != nil {
			forker.ForkedFromTitle = title
		}
		return err
	})
	g.Go(func() error {
		var err error
		related, err = s.getRelatedTopics(gctx, topic, uid)
		return err
	})
	g.Go(func() error {
		all, err := s.store.GetThumbs(gctx, []int64{topic.TID})
		if err != nil {
			return fmt.Errorf("loading thumbnails: %w", err)
		}
		if len(all) > 0 {
			thumbs = all[0]
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if events, err = s.store.GetTopicEvents(gctx, topic.TID); err != nil {
			return fmt.Errorf("loading topic events: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range events {
		events[i].TimestampISO = utils.ToISOString(events[i].Timestamp)
	}
	s.maskEvents(events, topic, uid, privileged)
	if reverse {
		slices.Reverse(events)
	}

	for _, p := range posts {
		p.Events = MergeConsecutiveShareEvents(eventsInWindow(events, p.EventStart, p.EventEnd))
		p.EventStart, p.EventEnd = 0, 0
		s.masker.MaskPost(p, uid, privileged)
	}

	topic.Thumbs = thumbs
	if topic.Thumbs == nil {
		topic.Thumbs = []models.Thumb{}
	}
	topic.Category = category
	topic.Bookmark = bookmark
	topic.IsAdminOrMod = privileged
	topic.IsOwner = uid > 0 && topic.UID == uid
	topic.Followed = followData.Following
	topic.Ignored = followData.Ignoring
	topic.Unreplied = topic.PostCount == 1
	topic.Icons = []string{}
	if topic.Private != 1 {
		topic.Private = 0
	}

	view := &models.TopicView{
		Topic:          topic,
		Posts:          posts,
		TagWhitelist:   tagWhitelist,
		ThreadTools:    threadTools,
		IsFollowing:    followData.Following,
		IsNotFollowing: !followData.Following && !followData.Ignoring,
		IsIgnoring:     followData.Ignoring,
		PostSharing:    slices.Clone(s.cfg.PostSharing),
		Related:        related,
	}
	if view.TagWhitelist == nil {
		view.TagWhitelist = []string{}
	}
	if view.PostSharing == nil {
		view.PostSharing = []string{}
	}
	if category != nil {
		view.MinTags = category.MinTags
		view.MaxTags = category.MaxTags
	}

	// Lifecycle actors that are the anonymous author get the same mask as
	// the author's posts.
	view.Deleter = s.maskActor(deleter, topic, uid, privileged)
	view.Merger = s.maskActor(merger, topic, uid, privileged)
	view.Forker = s.maskActor(forker, topic, uid, privileged)
	if view.Deleter != nil {
		view.DeletedTimestampISO = utils.ToISOString(topic.DeletedTimestamp)
	}
	if view.Merger != nil {
		view.MergedTimestampISO = utils.ToISOString(topic.MergedTimestamp)
	}
	if view.Forker != nil {
		view.ForkTimestampISO = utils.ToISOString(topic.ForkTimestamp)
	}
	if s.masker.Masks(TopicAuthor(topic), uid, privileged) {
		for _, actorUID := range []*int64{&topic.DeleterUID, &topic.MergerUID, &topic.ForkerUID} {
			if *actorUID == topic.UID {
				*actorUID = 0
			}
		}
		topic.UID = 0
	}

	res, err := s.hooks.FireTopicGet(ctx, plugins.TopicPayload{Topic: view, UID: uid})
	if err != nil {
		return nil, err
	}
	return res.Topic, nil
}

// getTopicPosts loads a page of posts with real authors attached and the
// timestamp window of events belonging to each post.
func (s *Service) getTopicPosts(ctx context.Context, topic *models.Topic, start, stop int, reverse bool) ([]*models.Post, error) {
	var (
		posts      []*models.Post
		timestamps []int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if posts, err = s.store.GetTopicPosts(gctx, topic.TID, start, stop, reverse); err != nil {
			return fmt.Errorf("loading posts of topic %d: %w", topic.TID, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if timestamps, err = s.store.GetTopicPostTimestamps(gctx, topic.TID); err != nil {
			return fmt.Errorf("loading post timestamps of topic %d: %w", topic.TID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.Post, 0, len(posts))
	for _, p := range posts {
		if p == nil {
			continue
		}
		p.EventStart = p.Timestamp
		p.EventEnd = math.MaxInt64
		if p.Index >= 0 && p.Index+1 < len(timestamps) {
			p.EventEnd = timestamps[p.Index+1]
		}
		if p.Index == 0 {
			p.EventStart = 0
		}
		out = append(out, p)
	}
	if err := s.addPostData(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// getActor loads uid as a lifecycle actor along with the title of titleTid,
// if set. A zero uid yields nil.
func (s *Service) getActor(ctx context.Context, uid, titleTid int64) (*models.Actor, string, error) {
	if uid == 0 {
		return nil, "", nil
	}
	users, err := s.store.GetUsersData(ctx, []int64{uid})
	if err != nil {
		return nil, "", fmt.Errorf("loading user %d: %w", uid, err)
	}
	if len(users) == 0 || users[0] == nil {
		return nil, "", nil
	}
	u := users[0]
	actor := &models.Actor{EventUser: models.EventUser{
		UID:      u.UID,
		Username: u.Username,
		Userslug: u.Userslug,
		Picture:  u.Picture,
	}}
	if titleTid == 0 {
		return actor, "", nil
	}
	title, err := s.store.GetTopicTitle(ctx, titleTid)
	if err != nil {
		return nil, "", fmt.Errorf("loading title of topic %d: %w", titleTid, err)
	}
	return actor, title, nil
}

func (s *Service) maskActor(actor *models.Actor, topic *models.Topic, uid int64, privileged bool) *models.Actor {
	if actor == nil || actor.UID != topic.UID {
		return actor
	}
	real := &models.User{UID: actor.UID, Username: actor.Username, Userslug: actor.Userslug, Picture: actor.Picture}
	shown := s.masker.ProjectIdentity(real, TopicAuthor(topic), uid, privileged)
	if shown == real {
		return actor
	}
	masked := *actor
	masked.EventUser = models.EventUser{UID: shown.UID, Username: shown.Username, Userslug: shown.Userslug, Picture: shown.Picture}
	return &masked
}

// maskEvents gives timeline events caused by a hidden topic author the
// author's synthetic identity.
func (s *Service) maskEvents(events []models.Event, topic *models.Topic, uid int64, privileged bool) {
	if topic.UID <= 0 {
		return
	}
	shown := s.masker.ProjectIdentity(nil, TopicAuthor(topic), uid, privileged)
	if shown == nil {
		return
	}
	for i := range events {
		e := &events[i]
		if e.UID != topic.UID && (e.User == nil || e.User.UID != topic.UID) {
			continue
		}
		e.UID = 0
		e.User = &models.EventUser{Username: shown.Username, Userslug: shown.Userslug, Picture: shown.Picture}
	}
}

func (s *Service) getRelatedTopics(ctx context.Context, topic *models.Topic, uid int64) ([]*models.Topic, error) {
	if s.cfg.MaximumRelatedTopics <= 0 {
		return []*models.Topic{}, nil
	}
	tids, err := s.store.GetRelatedTids(ctx, topic, s.cfg.MaximumRelatedTopics)
	if err != nil {
		return nil, fmt.Errorf("loading related topics: %w", err)
	}
	return s.GetTopics(ctx, tids, uid)
}
