// agora/models/models.go
package models

import (
	"time"
)

// --- Core Data Models ---

// Topic is a single discussion thread. Flags are stored as 0/1 integers.
type Topic struct {
	TID       int64  `json:"tid"`
	UID       int64  `json:"uid"`
	CID       int64  `json:"cid"`
	Title     string `json:"title"`
	Slug      string `json:"slug"`
	MainPID   int64  `json:"mainPid"`
	TeaserPID int64  `json:"teaserPid"`
	PostCount int    `json:"postcount"`
	Private   int    `json:"private"`
	Anonymous int    `json:"anonymous"`
	Locked    int    `json:"locked"`
	Pinned    int    `json:"pinned"`
	Deleted   int    `json:"deleted"`
	Timestamp int64  `json:"timestamp"`

	LastPostTime int64    `json:"lastposttime"`
	Tags         []string `json:"tags"`

	DeleterUID       int64 `json:"deleterUid"`
	DeletedTimestamp int64 `json:"deletedTimestamp"`
	MergerUID        int64 `json:"mergerUid"`
	MergeIntoTID     int64 `json:"mergeIntoTid"`
	MergedTimestamp  int64 `json:"mergedTimestamp"`
	ForkerUID        int64 `json:"forkerUid"`
	ForkedFromTID    int64 `json:"forkedFromTid"`
	ForkTimestamp    int64 `json:"forkTimestamp"`

	// Populated by the aggregation layer.
	User         *User     `json:"user,omitempty"`
	Category     *Category `json:"category,omitempty"`
	Teaser       *Post     `json:"teaser"`
	Thumbs       []Thumb   `json:"thumbs"`
	IsOwner      bool      `json:"isOwner"`
	Ignored      bool      `json:"ignored"`
	Followed     bool      `json:"followed"`
	Unread       bool      `json:"unread"`
	Bookmark     int       `json:"bookmark,omitempty"`
	Unreplied    bool      `json:"unreplied"`
	IsAdminOrMod bool      `json:"isAdminOrMod"`
	Index        int       `json:"index"`
	Icons        []string  `json:"icons"`
}

// Post is a single message within a topic.
type Post struct {
	PID       int64  `json:"pid"`
	TID       int64  `json:"tid"`
	UID       int64  `json:"uid"`
	Content   string `json:"content"`
	Anonymous int    `json:"anonymous"`
	Handle    string `json:"-"`
	Index     int    `json:"index"`
	Timestamp int64  `json:"timestamp"`
	Deleted   int    `json:"deleted"`

	// Populated when the post is assembled into a view.
	User         *User     `json:"user,omitempty"`
	Topic        *Topic    `json:"topic,omitempty"`
	Category     *Category `json:"category,omitempty"`
	Events       []Event   `json:"events,omitempty"`
	TimestampISO string    `json:"timestampISO,omitempty"`

	// Half-open window of topic events belonging to this post. Cleared after assembly.
	EventStart int64 `json:"-"`
	EventEnd   int64 `json:"-"`
}

// User is the public projection of an account.
type User struct {
	UID         int64    `json:"uid"`
	Username    string   `json:"username"`
	DisplayName string   `json:"displayname"`
	Fullname    string   `json:"fullname,omitempty"`
	Userslug    string   `json:"userslug"`
	Picture     string   `json:"picture"`
	Reputation  int      `json:"reputation"`
	PostCount   int      `json:"postcount"`
	Signature   string   `json:"signature"`
	Banned      bool     `json:"banned"`
	Status      string   `json:"status"`
	Badges      []string `json:"badges,omitempty"`
}

// UserSettings holds the per-user preferences that affect rendering.
type UserSettings struct {
	UID           int64  `json:"uid"`
	ShowFullname  bool   `json:"showfullname"`
	TopicPostSort string `json:"topicPostSort"`
}

// Category groups topics.
type Category struct {
	CID            int64  `json:"cid"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	Icon           string `json:"icon"`
	BgColor        string `json:"bgColor"`
	Color          string `json:"color"`
	Disabled       bool   `json:"disabled"`
	ReadRestricted bool   `json:"-"`
	MinTags        int    `json:"minTags"`
	MaxTags        int    `json:"maxTags"`
	SortOrder      int    `json:"-"`
}

// Thumb is an image attached to a topic.
type Thumb struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Event is a timestamped entry in a topic's timeline. A grouped record has
// Items and no user, text, or timestamp of its own.
type Event struct {
	ID           int64      `json:"id"`
	Type         string     `json:"type"`
	UID          int64      `json:"uid,omitempty"`
	Text         string     `json:"text,omitempty"`
	Href         string     `json:"href,omitempty"`
	Timestamp    int64      `json:"timestamp,omitempty"`
	TimestampISO string     `json:"timestampISO,omitempty"`
	User         *EventUser `json:"user,omitempty"`
	Items        []Event    `json:"items,omitempty"`
}

// EventUser is the minimal user reference carried by events and lifecycle actors.
type EventUser struct {
	UID      int64  `json:"uid"`
	Username string `json:"username"`
	Userslug string `json:"userslug"`
	Picture  string `json:"picture"`
}

// FollowData is the viewer's watch state for a topic.
type FollowData struct {
	Following bool `json:"following"`
	Ignoring  bool `json:"ignoring"`
}

// Actor describes who deleted, merged or forked a topic.
type Actor struct {
	EventUser
	MergedIntoTitle string `json:"mergedIntoTitle,omitempty"`
	ForkedFromTitle string `json:"forkedFromTitle,omitempty"`
}

// ThreadTool is an extra moderation action offered by a plugin.
type ThreadTool struct {
	Class string `json:"class"`
	Title string `json:"title"`
	Icon  string `json:"icon"`
}

// TopicView is a single topic assembled with a page of posts.
type TopicView struct {
	*Topic
	Posts               []*Post      `json:"posts"`
	TagWhitelist        []string     `json:"tagWhitelist"`
	MinTags             int          `json:"minTags"`
	MaxTags             int          `json:"maxTags"`
	ThreadTools         []ThreadTool `json:"thread_tools"`
	IsFollowing         bool         `json:"isFollowing"`
	IsNotFollowing      bool         `json:"isNotFollowing"`
	IsIgnoring          bool         `json:"isIgnoring"`
	PostSharing         []string     `json:"postSharing"`
	Deleter             *Actor       `json:"deleter"`
	DeletedTimestampISO string       `json:"deletedTimestampISO,omitempty"`
	Merger              *Actor       `json:"merger"`
	MergedTimestampISO  string       `json:"mergedTimestampISO,omitempty"`
	Forker              *Actor       `json:"forker"`
	ForkTimestampISO    string       `json:"forkTimestampISO,omitempty"`
	Related             []*Topic     `json:"related"`
}

// VisibleCounts is the number of topics and posts in a category a viewer can see.
type VisibleCounts struct {
	TopicCount int `json:"topicCount"`
	PostCount  int `json:"postCount"`
}

// TopicPage is one page of a topic listing.
type TopicPage struct {
	Topics    []*Topic `json:"topics"`
	NextStart int      `json:"nextStart"`
}

// Session binds an opaque token to a user.
type Session struct {
	Token     string
	UID       int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TopicACL is the subset of a topic and its category consulted by access checks.
type TopicACL struct {
	TID            int64
	UID            int64
	CID            int64
	Private        int
	Deleted        int
	ReadRestricted bool
	Exists         bool
}

// ModAction is an entry in the moderation log.
type ModAction struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ModeratorUID int64     `json:"moderatorUid"`
	Action       string    `json:"action"`
	TargetID     int64     `json:"targetId"`
	Details      string    `json:"details"`
}
