package database

const schema = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at DATETIME
);
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	userslug TEXT NOT NULL UNIQUE,
	fullname TEXT DEFAULT '',
	picture TEXT DEFAULT '',
	signature TEXT DEFAULT '',
	reputation INTEGER DEFAULT 0,
	postcount INTEGER DEFAULT 0,
	banned BOOLEAN DEFAULT 0,
	status TEXT DEFAULT 'online',
	password_hash TEXT NOT NULL,
	created_at DATETIME
);
-- Settings are free-form strings; flags are read with integer-prefix parsing.
CREATE TABLE IF NOT EXISTS user_settings (
	uid INTEGER NOT NULL,
	key TEXT NOT NULL,
	value TEXT,
	PRIMARY KEY (uid, key),
	FOREIGN KEY (uid) REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS administrators (
	uid INTEGER PRIMARY KEY,
	FOREIGN KEY (uid) REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS global_moderators (
	uid INTEGER PRIMARY KEY,
	FOREIGN KEY (uid) REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL,
	icon TEXT DEFAULT '',
	bg_color TEXT DEFAULT '',
	color TEXT DEFAULT '',
	disabled BOOLEAN DEFAULT 0,
	read_restricted BOOLEAN DEFAULT 0,
	min_tags INTEGER DEFAULT 0,
	max_tags INTEGER DEFAULT 5,
	sort_order INTEGER DEFAULT 0
);
CREATE TABLE IF NOT EXISTS category_moderators (
	cid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	PRIMARY KEY (cid, uid),
	FOREIGN KEY (cid) REFERENCES categories(id) ON DELETE CASCADE,
	FOREIGN KEY (uid) REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS category_tags (
	cid INTEGER NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (cid, tag),
	FOREIGN KEY (cid) REFERENCES categories(id) ON DELETE CASCADE
);
-- Timestamps on topics, posts and events are unix milliseconds.
CREATE TABLE IF NOT EXISTS topics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uid INTEGER NOT NULL DEFAULT 0,
	cid INTEGER NOT NULL,
	title TEXT NOT NULL,
	slug TEXT NOT NULL,
	main_pid INTEGER DEFAULT 0,
	teaser_pid INTEGER DEFAULT 0,
	postcount INTEGER DEFAULT 0,
	private INTEGER DEFAULT 0,
	anonymous INTEGER DEFAULT 0,
	locked INTEGER DEFAULT 0,
	pinned INTEGER DEFAULT 0,
	deleted INTEGER DEFAULT 0,
	timestamp INTEGER NOT NULL,
	lastposttime INTEGER NOT NULL,
	deleter_uid INTEGER DEFAULT 0,
	deleted_timestamp INTEGER DEFAULT 0,
	merger_uid INTEGER DEFAULT 0,
	merge_into_tid INTEGER DEFAULT 0,
	merged_timestamp INTEGER DEFAULT 0,
	forker_uid INTEGER DEFAULT 0,
	forked_from_tid INTEGER DEFAULT 0,
	fork_timestamp INTEGER DEFAULT 0,
	FOREIGN KEY (cid) REFERENCES categories(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS topic_tags (
	tid INTEGER NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (tid, tag),
	FOREIGN KEY (tid) REFERENCES topics(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tid INTEGER NOT NULL,
	uid INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	anonymous INTEGER DEFAULT 0,
	handle TEXT DEFAULT '',
	timestamp INTEGER NOT NULL,
	deleted INTEGER DEFAULT 0,
	FOREIGN KEY (tid) REFERENCES topics(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS topic_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tid INTEGER NOT NULL,
	type TEXT NOT NULL,
	uid INTEGER DEFAULT 0,
	text TEXT DEFAULT '',
	href TEXT DEFAULT '',
	timestamp INTEGER NOT NULL,
	FOREIGN KEY (tid) REFERENCES topics(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS thumbs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tid INTEGER NOT NULL,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	FOREIGN KEY (tid) REFERENCES topics(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS topic_reads (
	uid INTEGER NOT NULL,
	tid INTEGER NOT NULL,
	read_at INTEGER NOT NULL,
	PRIMARY KEY (uid, tid)
);
-- state is 'follow' or 'ignore'; no row means neither.
CREATE TABLE IF NOT EXISTS topic_follows (
	uid INTEGER NOT NULL,
	tid INTEGER NOT NULL,
	state TEXT NOT NULL,
	PRIMARY KEY (uid, tid)
);
CREATE TABLE IF NOT EXISTS bookmarks (
	uid INTEGER NOT NULL,
	tid INTEGER NOT NULL,
	post_index INTEGER NOT NULL,
	PRIMARY KEY (uid, tid)
);
CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	uid INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL,
	FOREIGN KEY (uid) REFERENCES users(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS mod_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	moderator_uid INTEGER NOT NULL,
	action TEXT NOT NULL,
	target_id INTEGER,
	details TEXT
);
CREATE VIRTUAL TABLE IF NOT EXISTS posts_fts USING fts5(title, content);
-- Triggers to keep the FTS table synchronized with the posts table
CREATE TRIGGER IF NOT EXISTS posts_ai AFTER INSERT ON posts BEGIN
	INSERT INTO posts_fts(rowid, title, content) VALUES (
		new.id,
		(SELECT title FROM topics WHERE id = new.tid),
		new.content
	);
END;
CREATE TRIGGER IF NOT EXISTS posts_ad AFTER DELETE ON posts BEGIN
	DELETE FROM posts_fts WHERE rowid = old.id;
END;
CREATE TRIGGER IF NOT EXISTS posts_au AFTER UPDATE OF content ON posts BEGIN
	DELETE FROM posts_fts WHERE rowid = old.id;
	INSERT INTO posts_fts(rowid, title, content) VALUES (new.id, (SELECT title FROM topics WHERE id = new.tid), new.content);
END;

-- --- INDEXES ---
CREATE INDEX IF NOT EXISTS idx_posts_tid_time ON posts(tid, timestamp, id);
CREATE INDEX IF NOT EXISTS idx_topics_cid_activity ON topics(cid, pinned DESC, lastposttime DESC);
CREATE INDEX IF NOT EXISTS idx_topic_events_tid ON topic_events(tid, timestamp);
CREATE INDEX IF NOT EXISTS idx_thumbs_tid ON thumbs(tid);
CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at);
CREATE INDEX IF NOT EXISTS idx_mod_actions_time ON mod_actions(timestamp DESC);
`
