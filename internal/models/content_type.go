package models

import (
	"sort"
	"strings"
)

// ContentTag is the canonical category of a likeable or bookmarkable entity.
type ContentTag string

// Canonical content tags.
const (
	ContentQuote     ContentTag = "quote"
	ContentForum     ContentTag = "forum"
	ContentMedia     ContentTag = "media"
	ContentWiki      ContentTag = "wiki"
	ContentKnowledge ContentTag = "knowledge"
	ContentResearch  ContentTag = "research"
	ContentAI        ContentTag = "ai"
)

// DefaultContentTag is used for any spelling that is not recognised.
const DefaultContentTag = ContentForum

// Counter columns present on every content table.
const (
	CounterLikes     = "likes"
	CounterBookmarks = "bookmarks"
	CounterUpvotes   = "upvotes"
	CounterViews     = "views"
	CounterComments  = "comments"
)

// TableConfig names the backend tables and columns used for one content tag.
type TableConfig struct {
	ContentTable   string
	LikesTable     string
	BookmarksTable string
	ContentIDField string
	// TypeColumnValue is set when the join tables are shared between tags and
	// rows are told apart by their content_type column.
	TypeColumnValue string
}

// Shared reports whether the join tables hold rows of several content tags.
func (c TableConfig) Shared() bool {
	return c.TypeColumnValue != ""
}

// ContentTypeColumn discriminates rows in the shared join tables.
const ContentTypeColumn = "content_type"

var contentAliases = map[string]ContentTag{
	"quote":            ContentQuote,
	"quotes":           ContentQuote,
	"forum":            ContentForum,
	"forums":           ContentForum,
	"forum_post":       ContentForum,
	"forum_posts":      ContentForum,
	"post":             ContentForum,
	"posts":            ContentForum,
	"thread":           ContentForum,
	"threads":          ContentForum,
	"media":            ContentMedia,
	"medias":           ContentMedia,
	"media_item":       ContentMedia,
	"media_items":      ContentMedia,
	"video":            ContentMedia,
	"videos":           ContentMedia,
	"image":            ContentMedia,
	"images":           ContentMedia,
	"gallery":          ContentMedia,
	"wiki":             ContentWiki,
	"wikis":            ContentWiki,
	"wiki_article":     ContentWiki,
	"wiki_articles":    ContentWiki,
	"wiki_page":        ContentWiki,
	"article":          ContentWiki,
	"articles":         ContentWiki,
	"knowledge":        ContentKnowledge,
	"knowledge_base":   ContentKnowledge,
	"knowledge_post":   ContentKnowledge,
	"knowledge_posts":  ContentKnowledge,
	"kb":               ContentKnowledge,
	"research":         ContentResearch,
	"research_paper":   ContentResearch,
	"research_papers":  ContentResearch,
	"paper":            ContentResearch,
	"papers":           ContentResearch,
	"ai":               ContentAI,
	"ai_content":       ContentAI,
	"ai_post":          ContentAI,
	"ai_posts":         ContentAI,
	"ai_generated":     ContentAI,
	"ai_article":       ContentAI,
	"ai_articles":      ContentAI,
	"artificial_intel": ContentAI,
}

var contentTables = map[ContentTag]TableConfig{
	ContentQuote: {
		ContentTable:   "quotes",
		LikesTable:     "quote_likes",
		BookmarksTable: "quote_bookmarks",
		ContentIDField: "quote_id",
	},
	ContentForum: {
		ContentTable:   "forum_posts",
		LikesTable:     "forum_post_likes",
		BookmarksTable: "forum_post_bookmarks",
		ContentIDField: "post_id",
	},
	ContentMedia: {
		ContentTable:   "media_items",
		LikesTable:     "media_likes",
		BookmarksTable: "media_bookmarks",
		ContentIDField: "media_id",
	},
	ContentWiki: {
		ContentTable:    "wiki_articles",
		LikesTable:      "content_likes",
		BookmarksTable:  "content_bookmarks",
		ContentIDField:  "content_id",
		TypeColumnValue: string(ContentWiki),
	},
	ContentKnowledge: {
		ContentTable:    "knowledge_articles",
		LikesTable:      "content_likes",
		BookmarksTable:  "content_bookmarks",
		ContentIDField:  "content_id",
		TypeColumnValue: string(ContentKnowledge),
	},
	ContentResearch: {
		ContentTable:    "research_papers",
		LikesTable:      "content_likes",
		BookmarksTable:  "content_bookmarks",
		ContentIDField:  "content_id",
		TypeColumnValue: string(ContentResearch),
	},
	ContentAI: {
		ContentTable:    "ai_articles",
		LikesTable:      "content_likes",
		BookmarksTable:  "content_bookmarks",
		ContentIDField:  "content_id",
		TypeColumnValue: string(ContentAI),
	},
}

var counterColumns = map[string]struct{}{
	CounterLikes:     {},
	CounterBookmarks: {},
	CounterUpvotes:   {},
	CounterViews:     {},
	CounterComments:  {},
}

// NormalizeContentType folds any spelling of a content category into its
// canonical tag. Unknown input falls back to DefaultContentTag.
func NormalizeContentType(raw string) ContentTag {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '.' {
			return '_'
		}
		return r
	}, key)
	if tag, ok := contentAliases[key]; ok {
		return tag
	}
	return DefaultContentTag
}

// TablesFor returns the table configuration for a canonical tag.
func TablesFor(tag ContentTag) TableConfig {
	if cfg, ok := contentTables[tag]; ok {
		return cfg
	}
	return contentTables[DefaultContentTag]
}

// ContentTags lists every canonical tag in a stable order.
func ContentTags() []ContentTag {
	tags := make([]ContentTag, 0, len(contentTables))
	for tag := range contentTables {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	return tags
}

// IsCounterColumn reports whether the column is one of the known counters.
func IsCounterColumn(column string) bool {
	_, ok := counterColumns[column]
	return ok
}

// IsContentTable reports whether the table holds content rows with counters.
func IsContentTable(table string) bool {
	for _, cfg := range contentTables {
		if cfg.ContentTable == table {
			return true
		}
	}
	return false
}

// ContentRef identifies any likeable or bookmarkable entity.
type ContentRef struct {
	ContentID string     `json:"content_id"`
	Type      ContentTag `json:"content_type"`
}

// NewContentRef resolves a raw type spelling once at the boundary.
func NewContentRef(contentID, rawType string) ContentRef {
	return ContentRef{ContentID: strings.TrimSpace(contentID), Type: NormalizeContentType(rawType)}
}

// Tables returns the table configuration for the reference's tag.
func (r ContentRef) Tables() TableConfig {
	return TablesFor(r.Type)
}

// Key is a stable cache key for the reference.
func (r ContentRef) Key() string {
	return string(r.Type) + ":" + r.ContentID
}

// InteractionKind is the kind of boolean interaction a user holds on content.
type InteractionKind string

// Interaction kinds.
const (
	InteractionLike     InteractionKind = "like"
	InteractionBookmark InteractionKind = "bookmark"
)

// JoinTable returns the join table holding records of the given kind.
func (c TableConfig) JoinTable(kind InteractionKind) string {
	if kind == InteractionBookmark {
		return c.BookmarksTable
	}
	return c.LikesTable
}

// CounterColumn returns the counter column bumped for the given kind.
func (k InteractionKind) CounterColumn() string {
	if k == InteractionBookmark {
		return CounterBookmarks
	}
	return CounterLikes
}

// Valid reports whether the kind is known.
func (k InteractionKind) Valid() bool {
	return k == InteractionLike || k == InteractionBookmark
}

// TagForContentTable maps a content table back to its tag.
func TagForContentTable(table string) (ContentTag, bool) {
	for tag, cfg := range contentTables {
		if cfg.ContentTable == table {
			return tag, true
		}
	}
	return "", false
}

// JoinTableFor maps a likes or bookmarks table back to the tag and kind it
// stores. Shared tables need the row's content_type value to pick the tag.
func JoinTableFor(table, typeValue string) (ContentTag, TableConfig, InteractionKind, bool) {
	for _, tag := range ContentTags() {
		cfg := contentTables[tag]
		var kind InteractionKind
		switch table {
		case cfg.LikesTable:
			kind = InteractionLike
		case cfg.BookmarksTable:
			kind = InteractionBookmark
		default:
			continue
		}
		if cfg.Shared() && cfg.TypeColumnValue != NormalizeContentTypeValue(typeValue) {
			continue
		}
		return tag, cfg, kind, true
	}
	return "", TableConfig{}, "", false
}

// NormalizeContentTypeValue normalizes a content_type column value, keeping
// empty input empty.
func NormalizeContentTypeValue(raw string) string {
	if raw == "" {
		return ""
	}
	return string(NormalizeContentType(raw))
}

// JoinTables lists every distinct likes and bookmarks table.
func JoinTables() []string {
	seen := make(map[string]struct{})
	tables := make([]string, 0, len(contentTables)*2)
	for _, tag := range ContentTags() {
		cfg := contentTables[tag]
		for _, table := range []string{cfg.LikesTable, cfg.BookmarksTable} {
			if _, ok := seen[table]; ok {
				continue
			}
			seen[table] = struct{}{}
			tables = append(tables, table)
		}
	}
	return tables
}
