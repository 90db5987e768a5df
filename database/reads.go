package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"agora/models"
	"agora/topics"
)

const topicColumns = `t.id, t.uid, t.cid, t.title, t.slug, t.main_pid, t.teaser_pid, t.postcount,
	t.private, t.anonymous, t.locked, t.pinned, t.deleted, t.timestamp, t.lastposttime,
	t.deleter_uid, t.deleted_timestamp, t.merger_uid, t.merge_into_tid, t.merged_timestamp,
	t.forker_uid, t.forked_from_tid, t.fork_timestamp`

type scanner interface {
	Scan(dest ...any) error
}

func scanTopic(row scanner) (*models.Topic, error) {
	var t models.Topic
	err := row.Scan(&t.TID, &t.UID, &t.CID, &t.Title, &t.Slug, &t.MainPID, &t.TeaserPID, &t.PostCount,
		&t.Private, &t.Anonymous, &t.Locked, &t.Pinned, &t.Deleted, &t.Timestamp, &t.LastPostTime,
		&t.DeleterUID, &t.DeletedTimestamp, &t.MergerUID, &t.MergeIntoTID, &t.MergedTimestamp,
		&t.ForkerUID, &t.ForkedFromTID, &t.ForkTimestamp)
	if err != nil {
		return nil, err
	}
	t.Tags = []string{}
	return &t, nil
}

const postColumns = `p.id, p.tid, p.uid, p.content, p.anonymous, p.handle, p.timestamp, p.deleted`

func scanPost(row scanner) (*models.Post, error) {
	var p models.Post
	var handle sql.NullString
	if err := row.Scan(&p.PID, &p.TID, &p.UID, &p.Content, &p.Anonymous, &handle, &p.Timestamp, &p.Deleted); err != nil {
		return nil, err
	}
	p.Handle = handle.String
	return &p, nil
}

// GetTopicsData loads topics aligned with tids, with their tags.
func (ds *DatabaseService) GetTopicsData(ctx context.Context, tids []int64) ([]*models.Topic, error) {
	out := make([]*models.Topic, len(tids))
	if len(tids) == 0 {
		return out, nil
	}
	in, args := inClause(tids)
	rows, err := ds.DB.QueryContext(ctx, "SELECT "+topicColumns+" FROM topics t WHERE t.id IN ("+in+")", args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetTopicsData")

	pos := indexOf(tids)
	found := make(map[int64]*models.Topic, len(tids))
	for rows.Next() {
		t, err := scanTopic(rows)
		if err != nil {
			return nil, err
		}
		found[t.TID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := ds.attachTags(ctx, found); err != nil {
		return nil, err
	}
	for tid, t := range found {
		for i, idx := range pos[tid] {
			if i == 0 {
				out[idx] = t
				continue
			}
			cp := *t
			out[idx] = &cp
		}
	}
	return out, nil
}

func (ds *DatabaseService) attachTags(ctx context.Context, found map[int64]*models.Topic) error {
	if len(found) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(found))
	for tid := range found {
		ids = append(ids, tid)
	}
	in, args := inClause(ids)
	rows, err := ds.DB.QueryContext(ctx, "SELECT tid, tag FROM topic_tags WHERE tid IN ("+in+") ORDER BY tag", args...)
	if err != nil {
		return err
	}
	defer ds.closeRows(rows, "attachTags")
	for rows.Next() {
		var tid int64
		var tag string
		if err := rows.Scan(&tid, &tag); err != nil {
			return err
		}
		found[tid].Tags = append(found[tid].Tags, tag)
	}
	return rows.Err()
}

// GetTopicData returns nil without error when the topic does not exist.
func (ds *DatabaseService) GetTopicData(ctx context.Context, tid int64) (*models.Topic, error) {
	topicsData, err := ds.GetTopicsData(ctx, []int64{tid})
	if err != nil {
		return nil, err
	}
	return topicsData[0], nil
}

func (ds *DatabaseService) GetTopicTitle(ctx context.Context, tid int64) (string, error) {
	var title string
	if err := ds.DB.QueryRowContext(ctx, "SELECT title FROM topics WHERE id = ?", tid).Scan(&title); err != nil {
		return "", notFound(err, "topic", tid)
	}
	return title, nil
}

func (ds *DatabaseService) GetPostTid(ctx context.Context, pid int64) (int64, error) {
	var tid int64
	if err := ds.DB.QueryRowContext(ctx, "SELECT tid FROM posts WHERE id = ?", pid).Scan(&tid); err != nil {
		return 0, notFound(err, "post", pid)
	}
	return tid, nil
}

// GetPostIndex returns the zero-based position of a post within its topic.
func (ds *DatabaseService) GetPostIndex(ctx context.Context, pid int64) (int, error) {
	var index int
	err := ds.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM posts o JOIN posts p ON o.tid = p.tid
		WHERE p.id = ? AND (o.timestamp < p.timestamp OR (o.timestamp = p.timestamp AND o.id < p.id))`, pid).Scan(&index)
	if err != nil {
		return 0, err
	}
	return index, nil
}

func (ds *DatabaseService) GetPostsData(ctx context.Context, pids []int64) ([]*models.Post, error) {
	out := make([]*models.Post, len(pids))
	if len(pids) == 0 {
		return out, nil
	}
	in, args := inClause(pids)
	rows, err := ds.DB.QueryContext(ctx, "SELECT "+postColumns+" FROM posts p WHERE p.id IN ("+in+")", args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetPostsData")

	pos := indexOf(pids)
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		for _, idx := range pos[p.PID] {
			cp := *p
			out[idx] = &cp
		}
	}
	return out, rows.Err()
}

// GetTopicPosts returns posts start..stop of a topic in timeline order, or
// newest first when reverse. A negative stop means through the last post.
// Index is always the post's position in timeline order.
func (ds *DatabaseService) GetTopicPosts(ctx context.Context, tid int64, start, stop int, reverse bool) ([]*models.Post, error) {
	var total int
	if err := ds.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE tid = ?", tid).Scan(&total); err != nil {
		return nil, err
	}
	limit := -1
	if stop >= 0 {
		if stop < start {
			return []*models.Post{}, nil
		}
		limit = stop - start + 1
	}
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	rows, err := ds.DB.QueryContext(ctx, "SELECT "+postColumns+" FROM posts p WHERE p.tid = ? ORDER BY p.timestamp "+order+", p.id "+order+" LIMIT ? OFFSET ?",
		tid, limit, start)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetTopicPosts")

	posts := []*models.Post{}
	for i := 0; rows.Next(); i++ {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		p.Index = start + i
		if reverse {
			p.Index = total - 1 - (start + i)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (ds *DatabaseService) GetTopicPostTimestamps(ctx context.Context, tid int64) ([]int64, error) {
	rows, err := ds.DB.QueryContext(ctx, "SELECT timestamp FROM posts WHERE tid = ? ORDER BY timestamp, id", tid)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetTopicPostTimestamps")
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (ds *DatabaseService) GetUsersData(ctx context.Context, uids []int64) ([]*models.User, error) {
	out := make([]*models.User, len(uids))
	if len(uids) == 0 {
		return out, nil
	}
	in, args := inClause(uids)
	rows, err := ds.DB.QueryContext(ctx, `SELECT id, username, userslug, fullname, picture, reputation, postcount, signature, banned, status
		FROM users WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetUsersData")

	pos := indexOf(uids)
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.UID, &u.Username, &u.Userslug, &u.Fullname, &u.Picture, &u.Reputation, &u.PostCount, &u.Signature, &u.Banned, &u.Status); err != nil {
			return nil, err
		}
		u.DisplayName = u.Username
		for _, idx := range pos[u.UID] {
			cp := u
			out[idx] = &cp
		}
	}
	return out, rows.Err()
}

func (ds *DatabaseService) GetUsersSettings(ctx context.Context, uids []int64) ([]models.UserSettings, error) {
	out := make([]models.UserSettings, len(uids))
	for i, uid := range uids {
		out[i].UID = uid
	}
	if len(uids) == 0 {
		return out, nil
	}
	in, args := inClause(uids)
	rows, err := ds.DB.QueryContext(ctx, "SELECT uid, key, value FROM user_settings WHERE uid IN ("+in+") AND key IN ('showfullname', 'topicPostSort')", args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetUsersSettings")

	pos := indexOf(uids)
	for rows.Next() {
		var uid int64
		var key string
		var value sql.NullString
		if err := rows.Scan(&uid, &key, &value); err != nil {
			return nil, err
		}
		for _, idx := range pos[uid] {
			switch key {
			case "showfullname":
				out[idx].ShowFullname = topics.ParseFlag(value.String)
			case "topicPostSort":
				out[idx].TopicPostSort = value.String
			}
		}
	}
	return out, rows.Err()
}

const categoryColumns = "id, name, slug, icon, bg_color, color, disabled, read_restricted, min_tags, max_tags, sort_order"

func scanCategory(row scanner) (*models.Category, error) {
	var c models.Category
	err := row.Scan(&c.CID, &c.Name, &c.Slug, &c.Icon, &c.BgColor, &c.Color, &c.Disabled, &c.ReadRestricted, &c.MinTags, &c.MaxTags, &c.SortOrder)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCategoryData fetches a category, using the instance's cache. A missing
// category yields nil without error.
func (ds *DatabaseService) GetCategoryData(ctx context.Context, cid int64) (*models.Category, error) {
	ds.cacheMu.RLock()
	cached, ok := ds.categoryCache[cid]
	ds.cacheMu.RUnlock()
	if ok {
		cp := *cached
		return &cp, nil
	}

	c, err := scanCategory(ds.DB.QueryRowContext(ctx, "SELECT "+categoryColumns+" FROM categories WHERE id = ?", cid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("db error getting category %d: %w", cid, err)
	}

	ds.cacheMu.Lock()
	ds.categoryCache[cid] = c
	ds.cacheMu.Unlock()
	cp := *c
	return &cp, nil
}

func (ds *DatabaseService) GetCategoriesData(ctx context.Context, cids []int64) ([]*models.Category, error) {
	out := make([]*models.Category, len(cids))
	for i, cid := range cids {
		c, err := ds.GetCategoryData(ctx, cid)
		if err != nil {
			return nil, err
		}
		out[i] = c
	}
	return out, nil
}

// GetCategories lists all categories in display order.
func (ds *DatabaseService) GetCategories(ctx context.Context) ([]*models.Category, error) {
	rows, err := ds.DB.QueryContext(ctx, "SELECT "+categoryColumns+" FROM categories ORDER BY sort_order, id")
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetCategories")
	out := []*models.Category{}
	for rows.Next() {
		c, err := scanCategory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (ds *DatabaseService) GetTagWhitelist(ctx context.Context, cid int64) ([]string, error) {
	rows, err := ds.DB.QueryContext(ctx, "SELECT tag FROM category_tags WHERE cid = ? ORDER BY tag", cid)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetTagWhitelist")
	tags := []string{}
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (ds *DatabaseService) GetThumbs(ctx context.Context, tids []int64) ([][]models.Thumb, error) {
	out := make([][]models.Thumb, len(tids))
	for i := range out {
		out[i] = []models.Thumb{}
	}
	if len(tids) == 0 {
		return out, nil
	}
	in, args := inClause(tids)
	rows, err := ds.DB.QueryContext(ctx, "SELECT id, tid, name, url FROM thumbs WHERE tid IN ("+in+") ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetThumbs")

	pos := indexOf(tids)
	for rows.Next() {
		var th models.Thumb
		var tid int64
		if err := rows.Scan(&th.ID, &tid, &th.Name, &th.URL); err != nil {
			return nil, err
		}
		for _, idx := range pos[tid] {
			out[idx] = append(out[idx], th)
		}
	}
	return out, rows.Err()
}

// userTopicRows selects column from a per-user table for uid over tids and
// hands each row to assign at every matching position.
func (ds *DatabaseService) userTopicRows(ctx context.Context, table, column string, tids []int64, uid int64, assign func(idx int, value sql.NullString)) error {
	if len(tids) == 0 || uid <= 0 {
		return nil
	}
	in, args := inClause(tids)
	rows, err := ds.DB.QueryContext(ctx, "SELECT tid, "+column+" FROM "+table+" WHERE uid = ? AND tid IN ("+in+")", append([]any{uid}, args...)...)
	if err != nil {
		return err
	}
	defer ds.closeRows(rows, table)

	pos := indexOf(tids)
	for rows.Next() {
		var tid int64
		var value sql.NullString
		if err := rows.Scan(&tid, &value); err != nil {
			return err
		}
		for _, idx := range pos[tid] {
			assign(idx, value)
		}
	}
	return rows.Err()
}

func (ds *DatabaseService) HasReadTopics(ctx context.Context, tids []int64, uid int64) ([]bool, error) {
	out := make([]bool, len(tids))
	// A topic read before its latest post counts as unread again.
	reads := "(SELECT r.uid AS uid, r.tid AS tid, r.read_at >= t.lastposttime AS fresh FROM topic_reads r JOIN topics t ON t.id = r.tid)"
	err := ds.userTopicRows(ctx, reads, "fresh", tids, uid, func(idx int, v sql.NullString) {
		out[idx] = v.String == "1"
	})
	return out, err
}

func (ds *DatabaseService) GetFollowData(ctx context.Context, tids []int64, uid int64) ([]models.FollowData, error) {
	out := make([]models.FollowData, len(tids))
	err := ds.userTopicRows(ctx, "topic_follows", "state", tids, uid, func(idx int, v sql.NullString) {
		out[idx] = models.FollowData{Following: v.String == FollowStateFollow, Ignoring: v.String == FollowStateIgnore}
	})
	return out, err
}

func (ds *DatabaseService) GetUserBookmarks(ctx context.Context, tids []int64, uid int64) ([]int, error) {
	out := make([]int, len(tids))
	err := ds.userTopicRows(ctx, "bookmarks", "post_index", tids, uid, func(idx int, v sql.NullString) {
		if n, err := strconv.Atoi(v.String); err == nil {
			out[idx] = n
		}
	})
	return out, err
}

// GetTopicEvents returns a topic's timeline events in order with their users.
func (ds *DatabaseService) GetTopicEvents(ctx context.Context, tid int64) ([]models.Event, error) {
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT e.id, e.type, e.uid, e.text, e.href, e.timestamp, u.id, u.username, u.userslug, u.picture
		FROM topic_events e LEFT JOIN users u ON u.id = e.uid
		WHERE e.tid = ? ORDER BY e.timestamp, e.id`, tid)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetTopicEvents")

	events := []models.Event{}
	for rows.Next() {
		var e models.Event
		var uid sql.NullInt64
		var username, userslug, picture sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.UID, &e.Text, &e.Href, &e.Timestamp, &uid, &username, &userslug, &picture); err != nil {
			return nil, err
		}
		if uid.Valid {
			e.User = &models.EventUser{UID: uid.Int64, Username: username.String, Userslug: userslug.String, Picture: picture.String}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetRelatedTids ranks other topics by the number of tags shared with topic.
func (ds *DatabaseService) GetRelatedTids(ctx context.Context, topic *models.Topic, limit int) ([]int64, error) {
	if len(topic.Tags) == 0 || limit <= 0 {
		return []int64{}, nil
	}
	args := []any{topic.TID}
	for _, tag := range topic.Tags {
		args = append(args, tag)
	}
	args = append(args, limit)
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT tt.tid FROM topic_tags tt JOIN topics t ON t.id = tt.tid
		WHERE tt.tid != ? AND t.deleted = 0 AND tt.tag IN (`+strings.TrimSuffix(strings.Repeat("?,", len(topic.Tags)), ",")+`)
		GROUP BY tt.tid ORDER BY COUNT(*) DESC, t.lastposttime DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetRelatedTids")
	return scanIDs(rows)
}

// GetCategoryTids returns a page of a category's topics, pinned first and
// then by latest activity. A negative stop means through the last topic.
func (ds *DatabaseService) GetCategoryTids(ctx context.Context, cid int64, start, stop int) ([]int64, error) {
	limit := -1
	if stop >= 0 {
		if stop < start {
			return []int64{}, nil
		}
		limit = stop - start + 1
	}
	rows, err := ds.DB.QueryContext(ctx, "SELECT id FROM topics WHERE cid = ? ORDER BY pinned DESC, lastposttime DESC, id DESC LIMIT ? OFFSET ?", cid, limit, start)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetCategoryTids")
	return scanIDs(rows)
}

// GetRecentPids returns live posts newer than since, newest first.
func (ds *DatabaseService) GetRecentPids(ctx context.Context, since int64, start, stop int) ([]int64, error) {
	limit := -1
	if stop >= 0 {
		if stop < start {
			return []int64{}, nil
		}
		limit = stop - start + 1
	}
	rows, err := ds.DB.QueryContext(ctx, "SELECT id FROM posts WHERE deleted = 0 AND timestamp >= ? ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?", since, limit, start)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetRecentPids")
	return scanIDs(rows)
}

// SearchPids performs a full-text search over topic titles and post content using FTS5.
func (ds *DatabaseService) SearchPids(ctx context.Context, query string, cid int64, limit int) ([]int64, error) {
	q := `
		SELECT p.id FROM posts_fts fts
		JOIN posts p ON p.id = fts.rowid
		JOIN topics t ON t.id = p.tid
		WHERE posts_fts MATCH ? AND p.deleted = 0`
	args := []any{ftsQuery(query)}
	if cid > 0 {
		q += " AND t.cid = ?"
		args = append(args, cid)
	}
	q += " ORDER BY p.id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := ds.DB.QueryContext(ctx, q, args...)
	if err != nil {
		ds.logger.Error("FTS Search failed", "error", err)
		return nil, err
	}
	defer ds.closeRows(rows, "SearchPids")
	return scanIDs(rows)
}

// ftsQuery quotes each term so user input cannot use FTS5 query syntax.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, term := range terms {
		terms[i] = `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Privilege reads ---

func (ds *DatabaseService) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var n int
	if err := ds.DB.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (ds *DatabaseService) IsAdministrator(ctx context.Context, uid int64) (bool, error) {
	return ds.exists(ctx, "SELECT COUNT(*) FROM administrators WHERE uid = ?", uid)
}

func (ds *DatabaseService) IsGlobalModerator(ctx context.Context, uid int64) (bool, error) {
	return ds.exists(ctx, "SELECT COUNT(*) FROM global_moderators WHERE uid = ?", uid)
}

func (ds *DatabaseService) IsCategoryModerator(ctx context.Context, cid, uid int64) (bool, error) {
	return ds.exists(ctx, "SELECT COUNT(*) FROM category_moderators WHERE cid = ? AND uid = ?", cid, uid)
}

func (ds *DatabaseService) GetTopicsACL(ctx context.Context, tids []int64) ([]models.TopicACL, error) {
	out := make([]models.TopicACL, len(tids))
	if len(tids) == 0 {
		return out, nil
	}
	in, args := inClause(tids)
	rows, err := ds.DB.QueryContext(ctx, `
		SELECT t.id, t.uid, t.cid, t.private, t.deleted, COALESCE(c.read_restricted, 0)
		FROM topics t LEFT JOIN categories c ON c.id = t.cid
		WHERE t.id IN (`+in+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetTopicsACL")

	pos := indexOf(tids)
	for rows.Next() {
		acl := models.TopicACL{Exists: true}
		if err := rows.Scan(&acl.TID, &acl.UID, &acl.CID, &acl.Private, &acl.Deleted, &acl.ReadRestricted); err != nil {
			return nil, err
		}
		for _, idx := range pos[acl.TID] {
			out[idx] = acl
		}
	}
	return out, rows.Err()
}
