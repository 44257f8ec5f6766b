package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/agentwire/a2a/server/config"
	"github.com/agentwire/a2a/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ArtifactStorageProvider is a blob backend for offloaded file content
type ArtifactStorageProvider interface {
	// Store writes a blob and returns its URL for retrieval
	Store(ctx context.Context, artifactID string, filename string, data io.Reader) (string, error)

	// Retrieve opens a stored blob
	Retrieve(ctx context.Context, artifactID string, filename string) (io.ReadCloser, error)

	// Delete removes a blob from storage
	Delete(ctx context.Context, artifactID string, filename string) error

	// Exists checks whether a blob is present
	Exists(ctx context.Context, artifactID string, filename string) (bool, error)

	// GetURL returns the public URL for a blob
	GetURL(artifactID string, filename string) string

	// Close releases the backend connection
	Close() error
}

// NewArtifactStorageProvider builds a provider from config
func NewArtifactStorageProvider(cfg config.ArtifactsStorageConfig) (ArtifactStorageProvider, error) {
	switch cfg.Provider {
	case "", "filesystem":
		return NewFilesystemArtifactStorage(cfg.BasePath, cfg.BaseURL)
	case "minio":
		return NewMinIOArtifactStorage(cfg.Endpoint, cfg.AccessKey, cfg.SecretKey, cfg.BucketName, cfg.BaseURL, cfg.UseSSL)
	default:
		return nil, fmt.Errorf("unsupported artifact storage provider '%s'", cfg.Provider)
	}
}

// PartOffloader rewrites large inline file parts as URI references before
// they are persisted, keeping task snapshots small.
type PartOffloader struct {
	logger   *zap.Logger
	provider ArtifactStorageProvider
	minSize  int64
}

// NewPartOffloader creates an offloader. Inline file parts whose decoded
// size is at least minSize bytes are moved to the provider.
func NewPartOffloader(logger *zap.Logger, provider ArtifactStorageProvider, minSize int64) *PartOffloader {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PartOffloader{
		logger:   logger,
		provider: provider,
		minSize:  minSize,
	}
}

// OffloadMessageParts rewrites qualifying inline file parts of a message in
// place. Offload failures leave the original inline part untouched.
func (o *PartOffloader) OffloadMessageParts(ctx context.Context, message *types.Message) {
	if message == nil {
		return
	}

	for i, part := range message.Parts {
		filePart, ok := part.(types.FilePart)
		if !ok || filePart.File.Bytes == nil {
			continue
		}

		rewritten, err := o.offloadFilePart(ctx, message.MessageID, i, filePart)
		if err != nil {
			o.logger.Warn("failed to offload inline file part",
				zap.String("message_id", message.MessageID),
				zap.Int("part_index", i),
				zap.Error(err))
			continue
		}
		if rewritten != nil {
			message.Parts[i] = *rewritten
		}
	}
}

// offloadFilePart stores one inline file part and returns its URI rewrite,
// or nil when the part is below the offload threshold.
func (o *PartOffloader) offloadFilePart(ctx context.Context, messageID string, index int, part types.FilePart) (*types.FilePart, error) {
	decoded, err := base64.StdEncoding.DecodeString(*part.File.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 file content: %w", err)
	}
	if int64(len(decoded)) < o.minSize {
		return nil, nil
	}

	filename := fmt.Sprintf("part-%d", index)
	if part.File.Name != nil && *part.File.Name != "" {
		filename = *part.File.Name
	}

	blobID := messageID
	if blobID == "" {
		blobID = uuid.New().String()
	}

	url, err := o.provider.Store(ctx, blobID, filename, bytes.NewReader(decoded))
	if err != nil {
		return nil, fmt.Errorf("failed to store file content: %w", err)
	}

	rewritten := part
	rewritten.File = types.FileContent{
		URI:      &url,
		Name:     part.File.Name,
		MimeType: part.File.MimeType,
	}

	o.logger.Debug("inline file part offloaded",
		zap.String("message_id", messageID),
		zap.String("url", url),
		zap.Int("size", len(decoded)))

	return &rewritten, nil
}
