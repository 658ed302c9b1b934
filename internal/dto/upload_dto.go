package dto

import "github.com/noah-isme/polymath-api/internal/models"

// UploadResponse describes a stored upload.
type UploadResponse struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Bucket    string `json:"bucket"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
	Checksum  string `json:"checksum"`
}

// NewUploadResponse maps an upload record onto its response shape.
func NewUploadResponse(record models.UploadRecord) UploadResponse {
	return UploadResponse{
		ID:        record.ID,
		URL:       record.URL,
		Bucket:    record.Bucket,
		Path:      record.Path,
		SizeBytes: record.SizeBytes,
		MimeType:  record.MimeType,
		Checksum:  record.Checksum,
	}
}
