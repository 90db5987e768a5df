// agora/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Recent-post feeds and tag lookups
CREATE INDEX IF NOT EXISTS idx_posts_timestamp ON posts(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_topic_tags_tag ON topic_tags(tag);
		`,
	},
	{
		Version: 2,
		Query:   `ALTER TABLE users ADD COLUMN last_online INTEGER DEFAULT 0;`,
	},
}
