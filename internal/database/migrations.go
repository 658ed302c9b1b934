package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/noah-isme/polymath-api/internal/models"
)

// Migrate creates the tables the interaction layer reads and writes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.User{}, &models.Conversation{}, &models.ChatMessage{}, &models.ChatReactionRecord{}, &models.UploadRecord{}); err != nil {
		return fmt.Errorf("failed to migrate chat tables: %w", err)
	}

	for _, statement := range contentSchema() {
		if err := db.Exec(statement).Error; err != nil {
			return fmt.Errorf("failed to migrate content tables: %w", err)
		}
	}

	return nil
}

func contentSchema() []string {
	seen := make(map[string]struct{})
	statements := make([]string, 0)

	for _, tag := range models.ContentTags() {
		cfg := models.TablesFor(tag)

		if _, ok := seen[cfg.ContentTable]; !ok {
			seen[cfg.ContentTable] = struct{}{}
			statements = append(statements, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	title TEXT,
	body TEXT,
	author_id VARCHAR(64),
	likes BIGINT NOT NULL DEFAULT 0,
	bookmarks BIGINT NOT NULL DEFAULT 0,
	upvotes BIGINT NOT NULL DEFAULT 0,
	views BIGINT NOT NULL DEFAULT 0,
	comments BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP
)`, cfg.ContentTable))
		}

		for _, table := range []string{cfg.LikesTable, cfg.BookmarksTable} {
			if _, ok := seen[table]; ok {
				continue
			}
			seen[table] = struct{}{}
			statements = append(statements, joinTableSchema(table, cfg)...)
		}
	}

	return statements
}

func joinTableSchema(table string, cfg models.TableConfig) []string {
	if cfg.Shared() {
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	%s VARCHAR(64) NOT NULL,
	%s VARCHAR(32) NOT NULL,
	user_id VARCHAR(64) NOT NULL,
	created_at TIMESTAMP NOT NULL
)`, table, cfg.ContentIDField, models.ContentTypeColumn),
			fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_member ON %s (%s, %s, user_id)`, table, table, cfg.ContentIDField, models.ContentTypeColumn),
		}
	}

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	%s VARCHAR(64) NOT NULL,
	user_id VARCHAR(64) NOT NULL,
	created_at TIMESTAMP NOT NULL
)`, table, cfg.ContentIDField),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS idx_%s_member ON %s (%s, user_id)`, table, table, cfg.ContentIDField),
	}
}
