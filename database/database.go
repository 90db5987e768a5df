// agora/database/database.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agora/models"
	"agora/utils"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned, wrapped, when a directly addressed record does not exist.
var ErrNotFound = models.ErrNotFound

// DatabaseService is the central struct for all database operations.
type DatabaseService struct {
	DB            *sql.DB
	logger        *slog.Logger
	dsn           string
	categoryCache map[int64]*models.Category
	cacheMu       sync.RWMutex
}

// InitDB connects to the database, runs migrations, and seeds default data.
func InitDB(dataSourceName string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// Run the base schema to ensure all tables exist.
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	var categoryCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM categories").Scan(&categoryCount); err == nil && categoryCount == 0 {
		if _, err := db.Exec("INSERT INTO categories (id, name, slug, icon) VALUES (1, 'General', 'general', 'fa-comments')"); err != nil {
			return nil, fmt.Errorf("failed to seed categories: %w", err)
		}
	}

	// Rebuild the search index if posts exist but the index is empty.
	var ftsCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM posts_fts").Scan(&ftsCount); err == nil && ftsCount == 0 {
		var postCount int
		if err := db.QueryRow("SELECT COUNT(*) FROM posts").Scan(&postCount); err == nil && postCount > 0 {
			logger.Info("FTS table is empty, indexing existing posts...")
			_, err := db.Exec(`INSERT INTO posts_fts(rowid, title, content) SELECT p.id, t.title, p.content FROM posts p JOIN topics t ON p.tid = t.id`)
			if err != nil {
				logger.Error("CRITICAL: Failed to index existing posts", "error", err)
			} else {
				logger.Info("FTS data migration complete.")
			}
		}
	}

	logger.Info("Database initialized and cache ready.")

	return &DatabaseService{
		DB:            db,
		logger:        logger,
		dsn:           dataSourceName,
		categoryCache: make(map[int64]*models.Category),
	}, nil
}

// BackupDatabase performs an online backup of the live SQLite database using VACUUM INTO.
func (ds *DatabaseService) BackupDatabase(backupDir string) (string, error) {
	if backupDir == "" {
		return "", fmt.Errorf("backup directory is not configured")
	}
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return "", fmt.Errorf("could not create backup directory %s: %w", backupDir, err)
	}

	timestamp := utils.GetTime().Format("2006-01-02_15-04-05")
	backupPath := filepath.Join(backupDir, fmt.Sprintf("agora_backup_%s.db", timestamp))

	ds.logger.Info("Starting database backup", "destination", backupPath)

	if _, err := ds.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
		if removeErr := os.Remove(backupPath); removeErr != nil && !os.IsNotExist(removeErr) {
			ds.logger.Error("Failed to remove incomplete backup file", "path", backupPath, "error", removeErr)
		}
		return "", fmt.Errorf("VACUUM INTO command failed: %w", err)
	}
	return backupPath, nil
}

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", "version", latestVersion)

	for _, m := range allMigrations {
		if m.Version <= latestVersion {
			continue
		}
		logger.Info("Applying migration", "version", m.Version)
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.Query); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
			}
			return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, utils.GetSQLTime()); err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
			}
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		logger.Info("Successfully applied migration", "version", m.Version)
	}
	return nil
}

// --- Cache Management ---
func (ds *DatabaseService) ClearCategoryCache(cid int64) {
	ds.cacheMu.Lock()
	delete(ds.categoryCache, cid)
	ds.cacheMu.Unlock()
}

// --- Internal Helpers ---

// inClause returns "?,?,?" and the matching args for ids.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return strings.TrimSuffix(strings.Repeat("?,", len(ids)), ","), args
}

// indexOf maps each id to its positions in ids, so batch results can be
// written back in input order even with duplicates.
func indexOf(ids []int64) map[int64][]int {
	m := make(map[int64][]int, len(ids))
	for i, id := range ids {
		m[id] = append(m[id], i)
	}
	return m
}

func (ds *DatabaseService) closeRows(rows *sql.Rows, where string) {
	if err := rows.Close(); err != nil {
		ds.logger.Error("Failed to close rows", "in", where, "error", err)
	}
}

func (ds *DatabaseService) rollback(tx *sql.Tx, where string) {
	if rerr := tx.Rollback(); rerr != nil && !errors.Is(rerr, sql.ErrTxDone) {
		ds.logger.Error("Failed to rollback transaction", "in", where, "error", rerr)
	}
}

// notFound wraps sql.ErrNoRows as ErrNotFound and passes other errors through.
func notFound(err error, what string, id int64) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %d: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("loading %s %d: %w", what, id, err)
}

// LogModAction records a moderator's action inside tx.
func LogModAction(ctx context.Context, tx *sql.Tx, modUID int64, action string, targetID int64, details string) error {
	_, err := tx.ExecContext(ctx, "INSERT INTO mod_actions (timestamp, moderator_uid, action, target_id, details) VALUES (?, ?, ?, ?, ?)",
		utils.GetSQLTime(), modUID, action, targetID, details)
	if err != nil {
		return fmt.Errorf("failed to execute mod action log: %w", err)
	}
	return nil
}

// GetModActions returns the latest moderator actions, newest first.
func (ds *DatabaseService) GetModActions(ctx context.Context, limit int) ([]models.ModAction, error) {
	rows, err := ds.DB.QueryContext(ctx, "SELECT id, timestamp, moderator_uid, action, target_id, details FROM mod_actions ORDER BY id DESC LIMIT ?", limit)
	if err != nil {
		return nil, err
	}
	defer ds.closeRows(rows, "GetModActions")

	actions := []models.ModAction{}
	for rows.Next() {
		var a models.ModAction
		var details sql.NullString
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.ModeratorUID, &a.Action, &a.TargetID, &details); err != nil {
			return nil, err
		}
		a.Details = details.String
		actions = append(actions, a)
	}
	return actions, rows.Err()
}
