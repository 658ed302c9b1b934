package service

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/polymath-api/internal/models"
)

type storageStub struct {
	bucket   string
	path     string
	uploaded bytes.Buffer
	err      error
}

func (s *storageStub) Upload(_ context.Context, bucket, path string, reader io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.bucket = bucket
	s.path = path
	s.uploaded.Reset()
	if _, err := s.uploaded.ReadFrom(reader); err != nil {
		return "", err
	}
	return path, nil
}

func (s *storageStub) PublicURL(bucket, path string) (string, error) {
	return "https://cdn.example.com/" + bucket + "/" + path, nil
}

type uploadRepoStub struct {
	records []models.UploadRecord
}

func (u *uploadRepoStub) Create(_ context.Context, record *models.UploadRecord) error {
	if record.ID == "" {
		record.ID = "upload-1"
	}
	u.records = append(u.records, *record)
	return nil
}

func (u *uploadRepoStub) ListByUser(_ context.Context, userID string, _ int) ([]models.UploadRecord, error) {
	var out []models.UploadRecord
	for _, record := range u.records {
		if record.UserID == userID {
			out = append(out, record)
		}
	}
	return out, nil
}

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func TestUploadServiceRejectsSize(t *testing.T) {
	storage := &storageStub{}
	svc := NewUploadService(storage, &uploadRepoStub{}, "media", 1, testLogger())

	file := buildFileHeader(t, "file.pdf", bytes.Repeat([]byte("a"), 2*1024*1024))

	_, err := svc.Upload(context.Background(), file, "u1")
	require.ErrorIs(t, err, ErrUploadTooLarge)
	require.Zero(t, storage.uploaded.Len())
}

func TestUploadServiceTypeValidation(t *testing.T) {
	svc := NewUploadService(&storageStub{}, &uploadRepoStub{}, "media", 5, testLogger())

	file := buildFileHeader(t, "file.txt", []byte("plain text"))
	_, err := svc.Upload(context.Background(), file, "u1")
	require.ErrorIs(t, err, ErrUploadTypeNotAllowed)

	_, err = svc.Upload(context.Background(), nil, "u1")
	require.ErrorIs(t, err, ErrUploadMissing)
}

func TestUploadServiceSuccess(t *testing.T) {
	storage := &storageStub{}
	repo := &uploadRepoStub{}
	svc := NewUploadService(storage, repo, "avatars", 5, testLogger())

	file := buildFileHeader(t, "My Photo!.png", pngHeader)

	resp, err := svc.Upload(context.Background(), file, "u1")
	require.NoError(t, err)
	require.Equal(t, "avatars", storage.bucket)
	require.True(t, strings.HasPrefix(storage.path, "u1/my-photo-"))
	require.True(t, strings.HasSuffix(storage.path, ".png"))
	require.Equal(t, pngHeader, storage.uploaded.Bytes())

	require.Equal(t, "https://cdn.example.com/avatars/"+storage.path, resp.URL)
	require.Equal(t, "image/png", resp.MimeType)
	require.Equal(t, int64(len(pngHeader)), resp.SizeBytes)
	require.Len(t, resp.Checksum, 64)

	listed, err := svc.List(context.Background(), "u1", 10)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	require.Equal(t, resp.ID, listed[0].ID)
	require.Equal(t, resp.URL, listed[0].URL)

	others, err := svc.List(context.Background(), "u2", 10)
	require.NoError(t, err)
	require.Empty(t, others)
}

func TestUploadServiceStorageFailure(t *testing.T) {
	repo := &uploadRepoStub{}
	svc := NewUploadService(&storageStub{err: errBackendDown}, repo, "", 5, testLogger())

	_, err := svc.Upload(context.Background(), buildFileHeader(t, "image.png", pngHeader), "")
	require.ErrorIs(t, err, errBackendDown)
	require.Empty(t, repo.records)
}

func buildFileHeader(t *testing.T, filename string, content []byte) *multipart.FileHeader {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {"form-data; name=\"file\"; filename=\"" + filename + "\""},
		"Content-Type":        {"application/octet-stream"},
	})
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	reader := multipart.NewReader(body, writer.Boundary())
	form, err := reader.ReadForm(int64(len(content) + 1024))
	require.NoError(t, err)
	files := form.File["file"]
	require.Len(t, files, 1)
	return files[0]
}
