package models

import "time"

// User is an account known to the auth backend.
type User struct {
	ID           string    `gorm:"primaryKey;size:64" json:"id"`
	Email        string    `gorm:"size:255;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:255" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InteractionRecord is a like or bookmark row in a type-specific join table.
// The content column name depends on the table, see TableConfig.ContentIDField.
type InteractionRecord struct {
	ID        string    `json:"id" mapstructure:"id"`
	ContentID string    `json:"content_id" mapstructure:"-"`
	UserID    string    `json:"user_id" mapstructure:"user_id"`
	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
}

// ContentCounters is the counter projection of a content row.
type ContentCounters struct {
	ID        string `json:"id" mapstructure:"id"`
	Likes     int64  `json:"likes" mapstructure:"likes"`
	Bookmarks int64  `json:"bookmarks" mapstructure:"bookmarks"`
	Upvotes   int64  `json:"upvotes" mapstructure:"upvotes"`
	Views     int64  `json:"views" mapstructure:"views"`
	Comments  int64  `json:"comments" mapstructure:"comments"`
}

// UploadRecord keeps track of files pushed to object storage.
type UploadRecord struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	UserID    string    `gorm:"size:64;index" json:"user_id"`
	Bucket    string    `gorm:"size:128" json:"bucket"`
	Path      string    `gorm:"size:512" json:"path"`
	URL       string    `gorm:"size:1024" json:"url"`
	MimeType  string    `gorm:"size:128" json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `gorm:"size:128" json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}
