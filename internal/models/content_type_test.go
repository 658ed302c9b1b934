package models

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeContentTypeFoldsSpellings(t *testing.T) {
	for _, raw := range []string{"quote", "Quotes", " quote ", "QUOTE"} {
		require.Equal(t, ContentQuote, NormalizeContentType(raw), raw)
	}
	for _, raw := range []string{"forum_post", "Forum-Posts", "post", "forum"} {
		require.Equal(t, ContentForum, NormalizeContentType(raw), raw)
	}
	require.Equal(t, ContentWiki, NormalizeContentType("wiki article"))
	require.Equal(t, ContentAI, NormalizeContentType("AI-Generated"))
	require.Equal(t, ContentResearch, NormalizeContentType("papers"))
}

func TestNormalizeContentTypeFallsBackToForum(t *testing.T) {
	require.Equal(t, ContentForum, NormalizeContentType(""))
	require.Equal(t, ContentForum, NormalizeContentType("podcast"))
}

func TestNormalizeContentTypeIsIdempotent(t *testing.T) {
	for _, tag := range ContentTags() {
		require.Equal(t, tag, NormalizeContentType(string(tag)))
	}
}

func TestTablesForSharedTables(t *testing.T) {
	quote := TablesFor(ContentQuote)
	require.Equal(t, "quote_likes", quote.LikesTable)
	require.Equal(t, "quote_id", quote.ContentIDField)
	require.False(t, quote.Shared())

	wiki := TablesFor(ContentWiki)
	require.Equal(t, "content_likes", wiki.JoinTable(InteractionLike))
	require.Equal(t, "content_bookmarks", wiki.JoinTable(InteractionBookmark))
	require.Equal(t, "wiki", wiki.TypeColumnValue)
	require.True(t, wiki.Shared())

	require.Equal(t, TablesFor(ContentForum), TablesFor("unknown"))
}

func TestContentRefKeyAndCounters(t *testing.T) {
	ref := NewContentRef(" q1 ", "Quotes")
	require.Equal(t, "quote:q1", ref.Key())
	require.Equal(t, "quotes", ref.Tables().ContentTable)
	require.Equal(t, CounterLikes, InteractionLike.CounterColumn())
	require.Equal(t, CounterBookmarks, InteractionBookmark.CounterColumn())
	require.True(t, IsCounterColumn("views"))
	require.False(t, IsCounterColumn("id; drop table"))
	require.True(t, IsContentTable("research_papers"))
	require.False(t, IsContentTable("quote_likes"))
}

func TestJoinTableForResolvesTagAndKind(t *testing.T) {
	tag, cfg, kind, ok := JoinTableFor("quote_likes", "")
	require.True(t, ok)
	require.Equal(t, ContentQuote, tag)
	require.Equal(t, "quote_id", cfg.ContentIDField)
	require.Equal(t, InteractionLike, kind)

	tag, _, kind, ok = JoinTableFor("content_bookmarks", "Research")
	require.True(t, ok)
	require.Equal(t, ContentResearch, tag)
	require.Equal(t, InteractionBookmark, kind)

	_, _, _, ok = JoinTableFor("content_likes", "")
	require.False(t, ok)
	_, _, _, ok = JoinTableFor("chat_messages", "")
	require.False(t, ok)

	require.Contains(t, JoinTables(), "content_likes")
	require.Len(t, JoinTables(), 8)
}
