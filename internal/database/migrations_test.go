package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/polymath-api/internal/models"
)

func TestMigrateCreatesContentAndJoinTables(t *testing.T) {
	db, err := ConnectSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	// Running twice must be harmless.
	require.NoError(t, Migrate(db))

	for _, tag := range models.ContentTags() {
		cfg := models.TablesFor(tag)
		for _, table := range []string{cfg.ContentTable, cfg.LikesTable, cfg.BookmarksTable} {
			require.True(t, db.Migrator().HasTable(table), table)
		}
	}
	require.True(t, db.Migrator().HasTable(models.TableChatMessages))
	require.True(t, db.Migrator().HasTable(models.TableChatReactions))
}

func TestMigrateEnforcesSingleInteractionPerUser(t *testing.T) {
	db, err := ConnectSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	insert := func(db *gorm.DB, id string) error {
		return db.Table("quote_likes").Create(map[string]interface{}{
			"id": id, "quote_id": "q1", "user_id": "u1", "created_at": "2026-01-01 00:00:00",
		}).Error
	}
	require.NoError(t, insert(db, "l1"))
	require.Error(t, insert(db, "l2"))
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect("oracle", "dsn")
	require.Error(t, err)
}
