package topics

import (
	"context"
	"fmt"

	"agora/models"

	"golang.org/x/sync/errgroup"
)

// IsVisible reports whether viewerUID may see a topic. Public topics are
// visible to everyone; private ones only to their owner and to administrators
// or moderators. Guests never see private topics.
func (s *Service) IsVisible(ctx context.Context, t *models.Topic, viewerUID int64) (bool, error) {
	if t.Private != 1 {
		return true, nil
	}
	if viewerUID <= 0 {
		return false, nil
	}
	if viewerUID == t.UID {
		return true, nil
	}
	return s.privs.IsAdminOrMod(ctx, t.TID, viewerUID)
}

// FilterVisibleTopics keeps the topics viewerUID may see, in input order.
func (s *Service) FilterVisibleTopics(ctx context.Context, topics []*models.Topic, viewerUID int64) ([]*models.Topic, error) {
	if len(topics) == 0 {
		return []*models.Topic{}, nil
	}

	visible := make([]bool, len(topics))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range topics {
		if t == nil {
			continue
		}
		g.Go(func() error {
			ok, err := s.IsVisible(gctx, t, viewerUID)
			if err != nil {
				return fmt.Errorf("visibility check for topic %d: %w", t.TID, err)
			}
			visible[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.Topic, 0, len(topics))
	for i, t := range topics {
		if visible[i] {
			out = append(out, t)
		}
	}
	return out, nil
}

// FilterVisiblePosts keeps the posts viewerUID may see, in input order. A post
// is governed by its topic; posts without an inlined topic have the topic's
// owner and private flag looked up once per topic.
//
// An inlined Topic with a nonzero TID is used as is, so it must be a complete
// record: a partial one with Private left at zero reads as public.
func (s *Service) FilterVisiblePosts(ctx context.Context, posts []*models.Post, viewerUID int64) ([]*models.Post, error) {
	if len(posts) == 0 {
		return []*models.Post{}, nil
	}

	tids := make([]int64, len(posts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range posts {
		switch {
		case p == nil:
		case p.Topic != nil && p.Topic.TID != 0:
			tids[i] = p.Topic.TID
		case p.TID != 0:
			tids[i] = p.TID
		default:
			g.Go(func() error {
				tid, err := s.store.GetPostTid(gctx, p.PID)
				if err != nil {
					return fmt.Errorf("resolving topic of post %d: %w", p.PID, err)
				}
				tids[i] = tid
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	resolved := make(map[int64]*models.Topic)
	var lookup []int64
	for i, p := range posts {
		if p == nil {
			continue
		}
		if p.Topic != nil && p.Topic.TID != 0 {
			resolved[p.Topic.TID] = p.Topic
			continue
		}
		if _, seen := resolved[tids[i]]; !seen {
			resolved[tids[i]] = nil
			lookup = append(lookup, tids[i])
		}
	}
	if len(lookup) > 0 {
		fetched := make([]*models.Topic, len(lookup))
		g, gctx = errgroup.WithContext(ctx)
		for i, tid := range lookup {
			g.Go(func() error {
				t, err := s.store.GetTopicData(gctx, tid)
				if err != nil {
					return fmt.Errorf("loading topic %d: %w", tid, err)
				}
				fetched[i] = t
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		for i, tid := range lookup {
			resolved[tid] = fetched[i]
		}
	}

	visible := make([]bool, len(posts))
	g, gctx = errgroup.WithContext(ctx)
	for i, p := range posts {
		if p == nil {
			continue
		}
		topic := p.Topic
		if topic == nil || topic.TID == 0 {
			topic = resolved[tids[i]]
		}
		g.Go(func() error {
			if topic == nil {
				return fmt.Errorf("topic of post %d: %w", p.PID, models.ErrNotFound)
			}
			ok, err := s.IsVisible(gctx, topic, viewerUID)
			if err != nil {
				return fmt.Errorf("visibility check for post %d: %w", p.PID, err)
			}
			visible[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]*models.Post, 0, len(posts))
	for i, p := range posts {
		if visible[i] {
			out = append(out, p)
		}
	}
	return out, nil
}
