package dto

// InteractionResponse reports a user's interaction state on content.
type InteractionResponse struct {
	ContentID    string `json:"content_id"`
	ContentType  string `json:"content_type"`
	IsLiked      bool   `json:"is_liked"`
	IsBookmarked bool   `json:"is_bookmarked"`
	Likes        int64  `json:"likes"`
	Bookmarks    int64  `json:"bookmarks"`
}

// ToggleResponse reports the outcome of a like or bookmark toggle.
type ToggleResponse struct {
	ContentID   string `json:"content_id"`
	ContentType string `json:"content_type"`
	Kind        string `json:"kind"`
	Active      bool   `json:"active"`
	Count       *int64 `json:"count,omitempty"`
}
