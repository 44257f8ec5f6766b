package server

import (
	"context"
	"encoding/base64"
	"io"
	"strings"
	"testing"

	"github.com/agentwire/a2a/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFilesystemArtifactStorage_RoundTrip(t *testing.T) {
	storage, err := NewFilesystemArtifactStorage(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)
	defer func() { _ = storage.Close() }()

	ctx := context.Background()

	url, err := storage.Store(ctx, "a1", "report.txt", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/artifacts/a1/report.txt", url)

	exists, err := storage.Exists(ctx, "a1", "report.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	reader, err := storage.Retrieve(ctx, "a1", "report.txt")
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "hello", string(content))

	require.NoError(t, storage.Delete(ctx, "a1", "report.txt"))

	exists, err = storage.Exists(ctx, "a1", "report.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = storage.Retrieve(ctx, "a1", "report.txt")
	assert.Error(t, err)
}

func TestFilesystemArtifactStorage_SanitizesPaths(t *testing.T) {
	storage, err := NewFilesystemArtifactStorage(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	// Traversal attempts collapse to empty components and are rejected.
	_, err = storage.Store(context.Background(), "../..", "../escape", strings.NewReader("x"))
	assert.Error(t, err)

	url, err := storage.Store(context.Background(), "a/1", "re/port.txt", strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/artifacts/a1/report.txt", url)
}

func inlineFileMessage(text string, filename string) *types.Message {
	encoded := base64.StdEncoding.EncodeToString([]byte(text))
	return types.NewUserMessage([]types.Part{
		types.FilePart{
			Kind: types.MessagePartKindFile.String(),
			File: types.FileContent{
				Bytes:    types.StringPtr(encoded),
				Name:     types.StringPtr(filename),
				MimeType: types.StringPtr("text/plain"),
			},
		},
	})
}

func TestPartOffloader_RewritesLargeParts(t *testing.T) {
	storage, err := NewFilesystemArtifactStorage(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	offloader := NewPartOffloader(zap.NewNop(), storage, 4)

	message := inlineFileMessage("large enough payload", "data.txt")
	offloader.OffloadMessageParts(context.Background(), message)

	filePart, ok := message.Parts[0].(types.FilePart)
	require.True(t, ok)
	assert.Nil(t, filePart.File.Bytes)
	require.NotNil(t, filePart.File.URI)
	assert.Contains(t, *filePart.File.URI, "/artifacts/")
	require.NotNil(t, filePart.File.MimeType)
	assert.Equal(t, "text/plain", *filePart.File.MimeType)

	reader, err := storage.Retrieve(context.Background(), message.MessageID, "data.txt")
	require.NoError(t, err)
	content, err := io.ReadAll(reader)
	require.NoError(t, err)
	require.NoError(t, reader.Close())
	assert.Equal(t, "large enough payload", string(content))
}

func TestPartOffloader_LeavesSmallPartsInline(t *testing.T) {
	storage, err := NewFilesystemArtifactStorage(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	offloader := NewPartOffloader(zap.NewNop(), storage, 1024)

	message := inlineFileMessage("tiny", "data.txt")
	offloader.OffloadMessageParts(context.Background(), message)

	filePart, ok := message.Parts[0].(types.FilePart)
	require.True(t, ok)
	assert.NotNil(t, filePart.File.Bytes)
	assert.Nil(t, filePart.File.URI)
}

func TestPartOffloader_SkipsInvalidBase64(t *testing.T) {
	storage, err := NewFilesystemArtifactStorage(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	offloader := NewPartOffloader(zap.NewNop(), storage, 1)

	message := types.NewUserMessage([]types.Part{
		types.FilePart{
			Kind: types.MessagePartKindFile.String(),
			File: types.FileContent{Bytes: types.StringPtr("not base64!!")},
		},
	})
	offloader.OffloadMessageParts(context.Background(), message)

	// The original inline part survives the failed offload.
	filePart, ok := message.Parts[0].(types.FilePart)
	require.True(t, ok)
	assert.NotNil(t, filePart.File.Bytes)
}
