package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/polymath-api/internal/backend"
	"github.com/noah-isme/polymath-api/internal/dto"
	"github.com/noah-isme/polymath-api/internal/models"
	"github.com/noah-isme/polymath-api/internal/observability"
	"github.com/noah-isme/polymath-api/internal/repository"
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the MIME type is not permitted.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrUploadMissing indicates the request carried no file.
	ErrUploadMissing = errors.New("file is required")
)

// UploadService validates files and stores them in object storage.
type UploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader, userID string) (dto.UploadResponse, error)
	List(ctx context.Context, userID string, limit int) ([]dto.UploadResponse, error)
}

type uploadService struct {
	storage backend.Storage
	repo    repository.UploadRepository
	bucket  string
	maxSize int64
	logger  zerolog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewUploadService constructs an upload service writing into bucket.
func NewUploadService(storage backend.Storage, repo repository.UploadRepository, bucket string, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	if bucket == "" {
		bucket = "media"
	}
	return &uploadService{
		storage: storage,
		repo:    repo,
		bucket:  bucket,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		tracer:  otel.Tracer("github.com/noah-isme/polymath-api/internal/service/upload"),
		now:     time.Now,
	}
}

func (s *uploadService) Upload(ctx context.Context, file *multipart.FileHeader, userID string) (dto.UploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "upload.store", trace.WithAttributes(
		attribute.Int64("upload.max_bytes", s.maxSize),
		attribute.String("upload.bucket", s.bucket),
	))
	defer span.End()

	start := s.now()
	defer func() {
		observability.UploadLatency().Observe(time.Since(start).Seconds())
	}()

	if file == nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.UploadResponse{}, ErrUploadMissing
	}
	if file.Size > s.maxSize {
		return dto.UploadResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	handle, err := file.Open()
	if err != nil {
		span.RecordError(err)
		return dto.UploadResponse{}, err
	}
	defer handle.Close()

	buf := bytes.NewBuffer(nil)
	if _, err := io.Copy(buf, io.LimitReader(handle, s.maxSize+1)); err != nil {
		span.RecordError(err)
		return dto.UploadResponse{}, err
	}
	if int64(buf.Len()) > s.maxSize {
		return dto.UploadResponse{}, s.reject(span, "size", ErrUploadTooLarge)
	}

	detected := mimetype.Detect(buf.Bytes())
	kind, ok := allowedUploadKind(detected)
	span.SetAttributes(attribute.String("upload.detected_mime", detected.String()))
	if !ok {
		return dto.UploadResponse{}, s.reject(span, "type", ErrUploadTypeNotAllowed)
	}

	checksum := sha256.Sum256(buf.Bytes())
	path := s.objectPath(userID, file.Filename, detected.Extension())

	if _, err := s.storage.Upload(ctx, s.bucket, path, bytes.NewReader(buf.Bytes())); err != nil {
		return dto.UploadResponse{}, s.reject(span, "storage", err)
	}
	url, err := s.storage.PublicURL(s.bucket, path)
	if err != nil {
		return dto.UploadResponse{}, s.reject(span, "storage", err)
	}

	record := models.UploadRecord{
		UserID:    userID,
		Bucket:    s.bucket,
		Path:      path,
		URL:       url,
		MimeType:  detected.String(),
		SizeBytes: int64(buf.Len()),
		Checksum:  hex.EncodeToString(checksum[:]),
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return dto.UploadResponse{}, err
	}

	observability.UploadRequests().WithLabelValues(kind).Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("user_id", userID).Str("path", path).Msg("upload stored")

	return dto.NewUploadResponse(record), nil
}

func (s *uploadService) List(ctx context.Context, userID string, limit int) ([]dto.UploadResponse, error) {
	records, err := s.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}

	responses := make([]dto.UploadResponse, 0, len(records))
	for _, record := range records {
		responses = append(responses, dto.NewUploadResponse(record))
	}
	return responses, nil
}

func (s *uploadService) reject(span trace.Span, reason string, err error) error {
	observability.UploadRejected().WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}

func (s *uploadService) objectPath(userID, name, ext string) string {
	owner := userID
	if owner == "" {
		owner = "anonymous"
	}
	return fmt.Sprintf("%s/%s-%s%s", owner, sanitizeFileName(name), uuid.NewString()[:8], ext)
}

func sanitizeFileName(name string) string {
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, base)
	base = strings.Trim(base, "-")
	if base == "" {
		base = "upload"
	}
	return base
}

func allowedUploadKind(detected *mimetype.MIME) (string, bool) {
	for m := detected; m != nil; m = m.Parent() {
		value := m.String()
		switch {
		case strings.HasPrefix(value, "image/"):
			return "image", true
		case strings.HasPrefix(value, "video/"):
			return "video", true
		case value == "application/pdf":
			return "pdf", true
		}
	}
	return "", false
}
