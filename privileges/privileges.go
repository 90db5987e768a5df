// Package privileges answers role and read-access questions for topics and posts.
package privileges

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"agora/models"
)

const TopicsRead = "topics:read"

var ErrInvalidPrivilege = errors.New("invalid privilege")

// Reader is the storage the checks run against.
type Reader interface {
	IsAdministrator(ctx context.Context, uid int64) (bool, error)
	IsGlobalModerator(ctx context.Context, uid int64) (bool, error)
	IsCategoryModerator(ctx context.Context, cid, uid int64) (bool, error)
	// GetTopicsACL is aligned with tids; unknown topics have Exists false.
	GetTopicsACL(ctx context.Context, tids []int64) ([]models.TopicACL, error)
	GetPostTid(ctx context.Context, pid int64) (int64, error)
}

type Service struct {
	reader Reader
	logger *slog.Logger
}

func NewService(reader Reader, logger *slog.Logger) *Service {
	return &Service{reader: reader, logger: logger}
}

func (s *Service) IsAdministrator(ctx context.Context, uid int64) (bool, error) {
	if uid <= 0 {
		return false, nil
	}
	return s.reader.IsAdministrator(ctx, uid)
}

// IsModerator reports global moderator status.
func (s *Service) IsModerator(ctx context.Context, uid int64) (bool, error) {
	if uid <= 0 {
		return false, nil
	}
	return s.reader.IsGlobalModerator(ctx, uid)
}

// isGlobalStaff reports administrator or global moderator status.
func (s *Service) isGlobalStaff(ctx context.Context, uid int64) (bool, error) {
	if uid <= 0 {
		return false, nil
	}
	ok, err := s.IsAdministrator(ctx, uid)
	if err != nil || ok {
		return ok, err
	}
	return s.IsModerator(ctx, uid)
}

// IsAdminOrMod reports whether uid administers the site, moderates globally,
// or moderates the category tid belongs to.
func (s *Service) IsAdminOrMod(ctx context.Context, tid, uid int64) (bool, error) {
	staff, err := s.isGlobalStaff(ctx, uid)
	if err != nil || staff || uid <= 0 {
		return staff, err
	}
	acls, err := s.reader.GetTopicsACL(ctx, []int64{tid})
	if err != nil {
		return false, fmt.Errorf("loading topic %d: %w", tid, err)
	}
	if len(acls) == 0 || !acls[0].Exists {
		return false, nil
	}
	return s.reader.IsCategoryModerator(ctx, acls[0].CID, uid)
}

// FilterTids keeps, in order, the topics uid holds privilege on. Topics in
// read-restricted categories are hidden from guests, and soft-deleted topics
// from everyone but their owner and moderators.
func (s *Service) FilterTids(ctx context.Context, privilege string, tids []int64, uid int64) ([]int64, error) {
	if privilege != TopicsRead {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrivilege, privilege)
	}
	if len(tids) == 0 {
		return []int64{}, nil
	}

	acls, err := s.reader.GetTopicsACL(ctx, tids)
	if err != nil {
		return nil, fmt.Errorf("loading topic access data: %w", err)
	}
	staff, err := s.isGlobalStaff(ctx, uid)
	if err != nil {
		return nil, err
	}

	categoryMod := make(map[int64]bool)
	out := make([]int64, 0, len(tids))
	for _, acl := range acls {
		if !acl.Exists {
			continue
		}
		if acl.ReadRestricted && uid <= 0 {
			continue
		}
		if acl.Deleted == 1 && !staff && !(uid > 0 && acl.UID == uid) {
			mod, seen := categoryMod[acl.CID]
			if !seen && uid > 0 {
				if mod, err = s.reader.IsCategoryModerator(ctx, acl.CID, uid); err != nil {
					return nil, err
				}
				categoryMod[acl.CID] = mod
			}
			if !mod {
				continue
			}
		}
		out = append(out, acl.TID)
	}
	return out, nil
}

// CanReadPost applies the topic read ACL and the private-topic policy to the
// topic of pid. A missing post yields an error wrapping models.ErrNotFound.
func (s *Service) CanReadPost(ctx context.Context, pid, uid int64) (bool, error) {
	tid, err := s.reader.GetPostTid(ctx, pid)
	if err != nil {
		return false, err
	}
	allowed, err := s.FilterTids(ctx, TopicsRead, []int64{tid}, uid)
	if err != nil || len(allowed) == 0 {
		return false, err
	}
	acls, err := s.reader.GetTopicsACL(ctx, []int64{tid})
	if err != nil {
		return false, err
	}
	acl := acls[0]
	if acl.Private != 1 {
		return true, nil
	}
	if uid <= 0 {
		return false, nil
	}
	if acl.UID == uid {
		return true, nil
	}
	return s.IsAdminOrMod(ctx, tid, uid)
}
