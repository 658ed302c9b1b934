package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// Service stores objects in Cloudinary. A bucket maps to a folder below the
// configured root folder and an object path maps to the asset public id.
type Service struct {
	client *cloudinary.Cloudinary
	folder string
	logger zerolog.Logger
}

// New constructs a Cloudinary service instance.
func New(cfg Config, logger zerolog.Logger) (*Service, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &Service{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload sends the object to Cloudinary and returns its public id.
func (s *Service) Upload(ctx context.Context, bucket, objectPath string, body io.Reader) (string, error) {
	publicID := PublicID(s.folder, bucket, objectPath)

	result, err := s.client.Upload.Upload(ctx, body, uploader.UploadParams{
		PublicID:     publicID,
		ResourceType: "auto",
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload asset: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("failed to upload asset: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Msg("file uploaded to cloudinary")
	return result.PublicID, nil
}

// PublicURL returns the delivery URL of an uploaded object.
func (s *Service) PublicURL(bucket, objectPath string) (string, error) {
	asset, err := s.client.Image(PublicID(s.folder, bucket, objectPath))
	if err != nil {
		return "", fmt.Errorf("failed to build asset url: %w", err)
	}
	url, err := asset.String()
	if err != nil {
		return "", fmt.Errorf("failed to build asset url: %w", err)
	}
	return url, nil
}

// PublicID joins the root folder, bucket and object path without the file
// extension, which Cloudinary derives from the format.
func PublicID(folder, bucket, objectPath string) string {
	objectPath = strings.TrimSuffix(objectPath, path.Ext(objectPath))
	parts := make([]string, 0, 3)
	for _, part := range []string{folder, bucket, objectPath} {
		if trimmed := strings.Trim(part, "/"); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, "/")
}
