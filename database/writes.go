package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"agora/models"
	"agora/topics"
	"agora/utils"
)

const (
	FollowStateFollow   = "follow"
	FollowStateIgnore   = "ignore"
	FollowStateUnfollow = "unfollow"
)

var (
	ErrTopicLocked      = errors.New("topic is locked")
	ErrInvalidFollow    = errors.New("invalid follow state")
	ErrCategoryDisabled = errors.New("category is disabled")
)

// TopicParams describes a new topic. Private and Anonymous accept any flag
// representation and are coerced to 0 or 1.
type TopicParams struct {
	UID       int64
	CID       int64
	Title     string
	Content   string
	Tags      []string
	Private   any
	Anonymous any
	Handle    string
}

// ReplyParams describes a new reply. A nil Anonymous inherits the topic's
// flag when the replier authored the topic and is 0 otherwise.
type ReplyParams struct {
	UID       int64
	TID       int64
	Content   string
	Anonymous any
	Handle    string
}

// CreateCategory inserts a category and returns its id.
func (ds *DatabaseService) CreateCategory(ctx context.Context, c *models.Category) (int64, error) {
	slug := c.Slug
	if slug == "" {
		slug = utils.Slugify(c.Name)
	}
	res, err := ds.DB.ExecContext(ctx, `INSERT INTO categories (name, slug, icon, bg_color, color, disabled, read_restricted, min_tags, max_tags, sort_order)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, slug, c.Icon, c.BgColor, c.Color, c.Disabled, c.ReadRestricted, c.MinTags, c.MaxTags, c.SortOrder)
	if err != nil {
		return 0, fmt.Errorf("failed to create category: %w", err)
	}
	return res.LastInsertId()
}

// UpdateCategory stores a category's settings and drops its cached copy.
func (ds *DatabaseService) UpdateCategory(ctx context.Context, c *models.Category) error {
	res, err := ds.DB.ExecContext(ctx, `UPDATE categories SET name = ?, icon = ?, bg_color = ?, color = ?, disabled = ?, read_restricted = ?, min_tags = ?, max_tags = ?, sort_order = ?
		WHERE id = ?`, c.Name, c.Icon, c.BgColor, c.Color, c.Disabled, c.ReadRestricted, c.MinTags, c.MaxTags, c.SortOrder, c.CID)
	if err != nil {
		return fmt.Errorf("failed to update category %d: %w", c.CID, err)
	}
	ds.ClearCategoryCache(c.CID)
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("category %d: %w", c.CID, ErrNotFound)
	}
	return nil
}

// SetCategoryTags replaces a category's tag whitelist. Tags are stored
// lowercased; blank entries are skipped.
func (ds *DatabaseService) SetCategoryTags(ctx context.Context, cid int64, tags []string) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "SetCategoryTags")

	if _, err := tx.ExecContext(ctx, "DELETE FROM category_tags WHERE cid = ?", cid); err != nil {
		return err
	}
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO category_tags (cid, tag) VALUES (?, ?)", cid, tag); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CreateTopic inserts a topic together with its main post.
func (ds *DatabaseService) CreateTopic(ctx context.Context, p TopicParams) (*models.Topic, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" || strings.TrimSpace(p.Content) == "" {
		return nil, topics.ErrInvalidData
	}
	category, err := ds.GetCategoryData(ctx, p.CID)
	if err != nil {
		return nil, err
	}
	if category == nil {
		return nil, fmt.Errorf("category %d: %w", p.CID, ErrNotFound)
	}
	if category.Disabled {
		return nil, ErrCategoryDisabled
	}

	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer ds.rollback(tx, "CreateTopic")

	now := utils.NowMillis()
	private := topics.CoerceFlag(p.Private)
	anonymous := topics.CoerceFlag(p.Anonymous)
	slug := utils.Slugify(title)

	res, err := tx.ExecContext(ctx, `INSERT INTO topics (uid, cid, title, slug, private, anonymous, timestamp, lastposttime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, p.UID, p.CID, title, slug, private, anonymous, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert topic: %w", err)
	}
	tid, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	// The FTS trigger reads the title from topics, so the topic row comes first.
	res, err = tx.ExecContext(ctx, "INSERT INTO posts (tid, uid, content, anonymous, handle, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		tid, p.UID, p.Content, anonymous, guestHandle(p.UID, p.Handle), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert main post: %w", err)
	}
	pid, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE topics SET main_pid = ?, teaser_pid = ?, postcount = 1 WHERE id = ?", pid, pid, tid); err != nil {
		return nil, err
	}
	for _, tag := range p.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO topic_tags (tid, tag) VALUES (?, ?)", tid, tag); err != nil {
			return nil, err
		}
	}
	if p.UID > 0 {
		if _, err := tx.ExecContext(ctx, "UPDATE users SET postcount = postcount + 1 WHERE id = ?", p.UID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ds.GetTopicData(ctx, tid)
}

func guestHandle(uid int64, handle string) string {
	if uid > 0 {
		return ""
	}
	return strings.TrimSpace(handle)
}

// Reply appends a post to a topic.
func (ds *DatabaseService) Reply(ctx context.Context, p ReplyParams) (*models.Post, error) {
	if strings.TrimSpace(p.Content) == "" {
		return nil, topics.ErrInvalidData
	}
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer ds.rollback(tx, "Reply")

	var owner int64
	var topicAnonymous, locked int
	err = tx.QueryRowContext(ctx, "SELECT uid, anonymous, locked FROM topics WHERE id = ?", p.TID).Scan(&owner, &topicAnonymous, &locked)
	if err != nil {
		return nil, notFound(err, "topic", p.TID)
	}
	if locked == 1 {
		return nil, ErrTopicLocked
	}

	anonymous := 0
	switch {
	case p.Anonymous != nil:
		anonymous = topics.CoerceFlag(p.Anonymous)
	case p.UID > 0 && p.UID == owner:
		anonymous = topicAnonymous
	}

	now := utils.NowMillis()
	res, err := tx.ExecContext(ctx, "INSERT INTO posts (tid, uid, content, anonymous, handle, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		p.TID, p.UID, p.Content, anonymous, guestHandle(p.UID, p.Handle), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reply: %w", err)
	}
	pid, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE topics SET teaser_pid = ?, postcount = postcount + 1, lastposttime = ? WHERE id = ?", pid, now, p.TID); err != nil {
		return nil, err
	}
	if p.UID > 0 {
		if _, err := tx.ExecContext(ctx, "UPDATE users SET postcount = postcount + 1 WHERE id = ?", p.UID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	posts, err := ds.GetPostsData(ctx, []int64{pid})
	if err != nil {
		return nil, err
	}
	return posts[0], nil
}

// AddTopicEvent appends an entry to a topic's timeline. A zero timestamp means now.
func (ds *DatabaseService) AddTopicEvent(ctx context.Context, tid int64, e models.Event) (int64, error) {
	if e.Timestamp == 0 {
		e.Timestamp = utils.NowMillis()
	}
	res, err := ds.DB.ExecContext(ctx, "INSERT INTO topic_events (tid, type, uid, text, href, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		tid, e.Type, e.UID, e.Text, e.Href, e.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("failed to add topic event: %w", err)
	}
	return res.LastInsertId()
}

// SetTopicPrivate changes a topic's private flag and logs the action.
func (ds *DatabaseService) SetTopicPrivate(ctx context.Context, tid int64, private bool, modUID int64) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "SetTopicPrivate")

	res, err := tx.ExecContext(ctx, "UPDATE topics SET private = ? WHERE id = ?", utils.BtoI(private), tid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("topic %d: %w", tid, ErrNotFound)
	}
	action := "make_public"
	if private {
		action = "make_private"
	}
	if err := LogModAction(ctx, tx, modUID, action, tid, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// SoftDeleteTopic marks a topic deleted and records who did it.
func (ds *DatabaseService) SoftDeleteTopic(ctx context.Context, tid, uid int64) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "SoftDeleteTopic")

	res, err := tx.ExecContext(ctx, "UPDATE topics SET deleted = 1, deleter_uid = ?, deleted_timestamp = ? WHERE id = ?", uid, utils.NowMillis(), tid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("topic %d: %w", tid, ErrNotFound)
	}
	if err := LogModAction(ctx, tx, uid, "delete_topic", tid, ""); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkRead records that uid has read tid up to now.
func (ds *DatabaseService) MarkRead(ctx context.Context, tid, uid int64) error {
	_, err := ds.DB.ExecContext(ctx, `INSERT INTO topic_reads (uid, tid, read_at) VALUES (?, ?, ?)
		ON CONFLICT(uid, tid) DO UPDATE SET read_at = excluded.read_at`, uid, tid, utils.NowMillis())
	return err
}

// SetFollow sets uid's watch state on tid: follow, ignore or unfollow.
func (ds *DatabaseService) SetFollow(ctx context.Context, tid, uid int64, state string) error {
	switch state {
	case FollowStateUnfollow:
		_, err := ds.DB.ExecContext(ctx, "DELETE FROM topic_follows WHERE uid = ? AND tid = ?", uid, tid)
		return err
	case FollowStateFollow, FollowStateIgnore:
		_, err := ds.DB.ExecContext(ctx, `INSERT INTO topic_follows (uid, tid, state) VALUES (?, ?, ?)
			ON CONFLICT(uid, tid) DO UPDATE SET state = excluded.state`, uid, tid, state)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrInvalidFollow, state)
	}
}

// SetBookmark stores the post index uid last reached in tid.
func (ds *DatabaseService) SetBookmark(ctx context.Context, tid, uid int64, index int) error {
	_, err := ds.DB.ExecContext(ctx, `INSERT INTO bookmarks (uid, tid, post_index) VALUES (?, ?, ?)
		ON CONFLICT(uid, tid) DO UPDATE SET post_index = excluded.post_index`, uid, tid, index)
	return err
}

// AddThumb attaches a stored image to a topic.
func (ds *DatabaseService) AddThumb(ctx context.Context, tid int64, name, url string) (int64, error) {
	res, err := ds.DB.ExecContext(ctx, "INSERT INTO thumbs (tid, name, url) VALUES (?, ?, ?)", tid, name, url)
	if err != nil {
		return 0, fmt.Errorf("failed to add thumb: %w", err)
	}
	return res.LastInsertId()
}

// SetModerator grants uid moderator rights on cid, or globally when cid is 0.
func (ds *DatabaseService) SetModerator(ctx context.Context, uid, cid, modUID int64) error {
	tx, err := ds.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer ds.rollback(tx, "SetModerator")

	if cid == 0 {
		_, err = tx.ExecContext(ctx, "INSERT OR IGNORE INTO global_moderators (uid) VALUES (?)", uid)
	} else {
		_, err = tx.ExecContext(ctx, "INSERT OR IGNORE INTO category_moderators (cid, uid) VALUES (?, ?)", cid, uid)
	}
	if err != nil {
		return fmt.Errorf("failed to grant moderator: %w", err)
	}
	if err := LogModAction(ctx, tx, modUID, "add_moderator", uid, fmt.Sprintf("cid=%d", cid)); err != nil {
		return err
	}
	return tx.Commit()
}

// SetAdministrator grants uid administrator rights.
func (ds *DatabaseService) SetAdministrator(ctx context.Context, uid int64) error {
	_, err := ds.DB.ExecContext(ctx, "INSERT OR IGNORE INTO administrators (uid) VALUES (?)", uid)
	return err
}

// LockTopic sets or clears a topic's locked flag.
func (ds *DatabaseService) LockTopic(ctx context.Context, tid int64, locked bool) error {
	res, err := ds.DB.ExecContext(ctx, "UPDATE topics SET locked = ? WHERE id = ?", utils.BtoI(locked), tid)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("topic %d: %w", tid, ErrNotFound)
	}
	return nil
}
