package cloudinary

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPublicIDJoinsFolderBucketAndPath(t *testing.T) {
	require.Equal(t, "polymath/media/u1/photo-1", PublicID("polymath", "media", "u1/photo-1.png"))
	require.Equal(t, "media/u1/photo", PublicID("", "/media/", "u1/photo.jpeg"))
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "demo"}, zerolog.Nop())
	require.Error(t, err)
}

func TestPublicURLUsesCloudName(t *testing.T) {
	svc, err := New(Config{CloudName: "demo", APIKey: "key", APISecret: "secret", Folder: "polymath"}, zerolog.Nop())
	require.NoError(t, err)

	url, err := svc.PublicURL("media", "u1/photo.png")
	require.NoError(t, err)
	require.Contains(t, url, "/demo/image/upload/")
	require.Contains(t, url, "polymath/media/u1/photo")
}
