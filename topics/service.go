// Package topics assembles topic listings and topic pages for a viewer,
// enforcing private-topic visibility and anonymous-author masking.
package topics

import (
	"context"
	"errors"
	"log/slog"

	"agora/config"
	"agora/models"
	"agora/plugins"
)

var ErrInvalidData = errors.New("invalid data")

// Store is the read side of persistence needed by this package. Batch methods
// return results positionally aligned with their input ids; a missing record
// yields a nil entry (or the zero value) rather than an error.
type Store interface {
	GetTopicsData(ctx context.Context, tids []int64) ([]*models.Topic, error)
	GetTopicData(ctx context.Context, tid int64) (*models.Topic, error)
	GetTopicTitle(ctx context.Context, tid int64) (string, error)
	GetPostTid(ctx context.Context, pid int64) (int64, error)
	GetPostsData(ctx context.Context, pids []int64) ([]*models.Post, error)
	GetTopicPosts(ctx context.Context, tid int64, start, stop int, reverse bool) ([]*models.Post, error)
	GetTopicPostTimestamps(ctx context.Context, tid int64) ([]int64, error)
	GetUsersData(ctx context.Context, uids []int64) ([]*models.User, error)
	GetUsersSettings(ctx context.Context, uids []int64) ([]models.UserSettings, error)
	GetCategoriesData(ctx context.Context, cids []int64) ([]*models.Category, error)
	GetCategoryData(ctx context.Context, cid int64) (*models.Category, error)
	GetTagWhitelist(ctx context.Context, cid int64) ([]string, error)
	GetThumbs(ctx context.Context, tids []int64) ([][]models.Thumb, error)
	HasReadTopics(ctx context.Context, tids []int64, uid int64) ([]bool, error)
	GetFollowData(ctx context.Context, tids []int64, uid int64) ([]models.FollowData, error)
	GetUserBookmarks(ctx context.Context, tids []int64, uid int64) ([]int, error)
	GetTopicEvents(ctx context.Context, tid int64) ([]models.Event, error)
	GetRelatedTids(ctx context.Context, topic *models.Topic, limit int) ([]int64, error)
	GetCategoryTids(ctx context.Context, cid int64, start, stop int) ([]int64, error)
}

// Privileges answers access questions. IsAdminOrMod covers administrators,
// global moderators and moderators of the topic's category.
type Privileges interface {
	IsAdminOrMod(ctx context.Context, tid, uid int64) (bool, error)
	IsAdministrator(ctx context.Context, uid int64) (bool, error)
	FilterTids(ctx context.Context, privilege string, tids []int64, uid int64) ([]int64, error)
}

// Service is the entry point for topic reads.
type Service struct {
	store  Store
	privs  Privileges
	hooks  *plugins.Hooks
	cfg    *config.Config
	masker *Masker
	logger *slog.Logger
}

func NewService(store Store, privs Privileges, hooks *plugins.Hooks, cfg *config.Config, namer *Namer, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		privs:  privs,
		hooks:  hooks,
		cfg:    cfg,
		masker: NewMasker(namer, cfg.AnonymousAvatarURL()),
		logger: logger,
	}
}

// Masker exposes the identity projection so other read paths mask the same way.
func (s *Service) Masker() *Masker {
	return s.masker
}
