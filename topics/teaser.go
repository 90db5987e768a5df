package topics

import (
	"context"
	"fmt"

	"agora/config"
	"agora/models"
)

// getTeasers returns the teaser post of each topic, aligned with topics.
// Entries are nil for missing topics and for topics with nothing to tease.
// Authors are attached unmasked.
func (s *Service) getTeasers(ctx context.Context, topics []*models.Topic) ([]*models.Post, error) {
	teasers := make([]*models.Post, len(topics))
	pids := make([]int64, len(topics))
	var wanted []int64
	for i, t := range topics {
		if t == nil {
			continue
		}
		pids[i] = s.teaserPid(t)
		if pids[i] != 0 {
			wanted = append(wanted, pids[i])
		}
	}
	if len(wanted) == 0 {
		return teasers, nil
	}

	posts, err := s.store.GetPostsData(ctx, wanted)
	if err != nil {
		return nil, fmt.Errorf("loading teasers: %w", err)
	}
	byPid := make(map[int64]*models.Post, len(posts))
	for _, p := range posts {
		if p != nil && p.Deleted == 0 {
			byPid[p.PID] = p
		}
	}

	found := make([]*models.Post, 0, len(byPid))
	for i, pid := range pids {
		if p, ok := byPid[pid]; ok {
			cp := *p
			cp.Index = topics[i].PostCount
			teasers[i] = &cp
			found = append(found, &cp)
		}
	}
	if err := s.addPostData(ctx, found); err != nil {
		return nil, err
	}
	return teasers, nil
}

func (s *Service) teaserPid(t *models.Topic) int64 {
	switch s.cfg.TeaserPost {
	case config.TeaserFirst:
		return t.MainPID
	case config.TeaserLastReply:
		if t.PostCount > 1 {
			return t.TeaserPID
		}
		return 0
	default:
		if t.TeaserPID != 0 {
			return t.TeaserPID
		}
		return t.MainPID
	}
}
