package server

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOArtifactStorage implements ArtifactStorageProvider on a MinIO or
// S3-compatible object store.
type MinIOArtifactStorage struct {
	client     *minio.Client
	bucketName string
	baseURL    string
}

var _ ArtifactStorageProvider = (*MinIOArtifactStorage)(nil)

// NewMinIOArtifactStorage connects to the object store and creates the
// bucket when it does not exist yet.
func NewMinIOArtifactStorage(endpoint, accessKey, secretKey, bucketName, baseURL string, useSSL bool) (*MinIOArtifactStorage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinIOArtifactStorage{
		client:     client,
		bucketName: bucketName,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// objectName maps sanitized components to the bucket key
func objectName(artifactID, filename string) (string, error) {
	artifactID, filename, err := artifactKey(artifactID, filename)
	if err != nil {
		return "", err
	}
	return artifactID + "/" + filename, nil
}

// Store uploads the artifact and returns its public URL
func (m *MinIOArtifactStorage) Store(ctx context.Context, artifactID string, filename string, data io.Reader) (string, error) {
	object, err := objectName(artifactID, filename)
	if err != nil {
		return "", err
	}

	if _, err := m.client.PutObject(ctx, m.bucketName, object, data, -1, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("failed to store artifact in MinIO: %w", err)
	}

	return m.GetURL(artifactID, filename), nil
}

// Retrieve streams the stored object
func (m *MinIOArtifactStorage) Retrieve(ctx context.Context, artifactID string, filename string) (io.ReadCloser, error) {
	object, err := objectName(artifactID, filename)
	if err != nil {
		return nil, err
	}

	reader, err := m.client.GetObject(ctx, m.bucketName, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve artifact from MinIO: %w", err)
	}

	return reader, nil
}

// Delete removes the stored object
func (m *MinIOArtifactStorage) Delete(ctx context.Context, artifactID string, filename string) error {
	object, err := objectName(artifactID, filename)
	if err != nil {
		return err
	}

	if err := m.client.RemoveObject(ctx, m.bucketName, object, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete artifact from MinIO: %w", err)
	}

	return nil
}

// Exists reports whether the object is present in the bucket
func (m *MinIOArtifactStorage) Exists(ctx context.Context, artifactID string, filename string) (bool, error) {
	object, err := objectName(artifactID, filename)
	if err != nil {
		return false, err
	}

	if _, err := m.client.StatObject(ctx, m.bucketName, object, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("failed to check artifact existence in MinIO: %w", err)
	}

	return true, nil
}

// GetURL returns the public URL for accessing an artifact
func (m *MinIOArtifactStorage) GetURL(artifactID string, filename string) string {
	return fmt.Sprintf("%s/artifacts/%s/%s", m.baseURL, sanitizePath(artifactID), sanitizePath(filename))
}

// Close is a no-op, the MinIO client holds no persistent connection
func (m *MinIOArtifactStorage) Close() error {
	return nil
}
