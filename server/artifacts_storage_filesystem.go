package server

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemArtifactStorage implements ArtifactStorageProvider on the local
// filesystem. It is the default offload backend.
type FilesystemArtifactStorage struct {
	basePath string
	baseURL  string
}

var _ ArtifactStorageProvider = (*FilesystemArtifactStorage)(nil)

// NewFilesystemArtifactStorage prepares the base directory and returns a
// provider serving artifacts under baseURL.
func NewFilesystemArtifactStorage(basePath, baseURL string) (*FilesystemArtifactStorage, error) {
	if basePath == "" {
		basePath = "./artifacts"
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}

	return &FilesystemArtifactStorage{
		basePath: basePath,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// artifactKey sanitizes both path components and rejects ids or filenames
// that collapse to nothing. Sanitized components cannot leave basePath.
func artifactKey(artifactID, filename string) (string, string, error) {
	artifactID = sanitizePath(artifactID)
	filename = sanitizePath(filename)
	if artifactID == "" || filename == "" {
		return "", "", fmt.Errorf("invalid artifact ID or filename")
	}
	return artifactID, filename, nil
}

func (fs *FilesystemArtifactStorage) filePath(artifactID, filename string) string {
	return filepath.Join(fs.basePath, artifactID, filename)
}

// Store writes the artifact to disk and returns its public URL. A partial
// write is removed rather than left behind.
func (fs *FilesystemArtifactStorage) Store(ctx context.Context, artifactID string, filename string, data io.Reader) (string, error) {
	artifactID, filename, err := artifactKey(artifactID, filename)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Join(fs.basePath, artifactID), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	path := fs.filePath(artifactID, filename)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if _, err := io.Copy(file, data); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write artifact data: %w", err)
	}

	return fs.GetURL(artifactID, filename), nil
}

// Retrieve opens the stored artifact for reading
func (fs *FilesystemArtifactStorage) Retrieve(ctx context.Context, artifactID string, filename string) (io.ReadCloser, error) {
	artifactID, filename, err := artifactKey(artifactID, filename)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fs.filePath(artifactID, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("artifact not found")
		}
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}

	return file, nil
}

// Delete removes the artifact and, when it was the last file, its directory
func (fs *FilesystemArtifactStorage) Delete(ctx context.Context, artifactID string, filename string) error {
	artifactID, filename, err := artifactKey(artifactID, filename)
	if err != nil {
		return err
	}

	if err := os.Remove(fs.filePath(artifactID, filename)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}

	// Best effort: fails while other files remain.
	_ = os.Remove(filepath.Join(fs.basePath, artifactID))

	return nil
}

// Exists reports whether the artifact file is present
func (fs *FilesystemArtifactStorage) Exists(ctx context.Context, artifactID string, filename string) (bool, error) {
	artifactID, filename, err := artifactKey(artifactID, filename)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fs.filePath(artifactID, filename)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check artifact existence: %w", err)
	}
	return true, nil
}

// GetURL returns the public URL for accessing an artifact
func (fs *FilesystemArtifactStorage) GetURL(artifactID string, filename string) string {
	return fmt.Sprintf("%s/artifacts/%s/%s", fs.baseURL, sanitizePath(artifactID), sanitizePath(filename))
}

// Close is a no-op for the filesystem backend
func (fs *FilesystemArtifactStorage) Close() error {
	return nil
}

// sanitizePath strips separators and traversal sequences so a component can
// only name a single directory entry.
func sanitizePath(path string) string {
	for _, forbidden := range []string{"/", "\\", ".."} {
		path = strings.ReplaceAll(path, forbidden, "")
	}
	return strings.TrimSpace(path)
}
