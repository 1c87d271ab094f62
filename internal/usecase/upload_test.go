package usecase_test

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wamiri/docproc/internal/config"
	"github.com/wamiri/docproc/internal/domain"
	"github.com/wamiri/docproc/internal/usecase"
)

// pngHeader is enough for content sniffing to identify image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func uploadConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		UploadDir:       t.TempDir(),
		MaxUploadSizeMB: 1,
	}
}

func TestUploadSuccess(t *testing.T) {
	t.Parallel()
	cfg := uploadConfig(t)
	docs := &mockDocumentRepo{}
	queue := &mockQueue{}
	svc := usecase.NewUploadService(cfg, docs, queue)

	docs.On("Create", mock.Anything, mock.MatchedBy(func(d domain.Document) bool {
		return d.Status == domain.DocQueued &&
			d.OriginalName == "invoice.png" &&
			d.MIMEType == "image/png" &&
			strings.HasSuffix(d.StoredName, ".png")
	})).Return("doc-1", nil)
	queue.On("EnqueueDocument", mock.Anything, mock.MatchedBy(func(p domain.DocumentTaskPayload) bool {
		return p.DocumentID != "" && strings.HasSuffix(p.StoredName, ".png")
	})).Return("task-1", nil)
	docs.On("SetTaskID", mock.Anything, mock.Anything, "task-1").Return(nil)

	doc, err := svc.Upload(context.Background(), "invoice.png", bytes.NewReader(pngHeader))
	require.NoError(t, err)
	assert.Equal(t, "task-1", doc.TaskID)
	assert.Equal(t, domain.DocQueued, doc.Status)

	stored, err := os.ReadFile(cfg.UploadDir + "/" + doc.StoredName)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, stored)
	docs.AssertExpectations(t)
	queue.AssertExpectations(t)
}

func TestUploadUnsupportedExtension(t *testing.T) {
	t.Parallel()
	docs := &mockDocumentRepo{}
	svc := usecase.NewUploadService(uploadConfig(t), docs, &mockQueue{})

	_, err := svc.Upload(context.Background(), "notes.txt", strings.NewReader("plain text"))
	require.ErrorIs(t, err, domain.ErrUnsupportedMedia)
	docs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestUploadSniffMismatch(t *testing.T) {
	t.Parallel()
	docs := &mockDocumentRepo{}
	svc := usecase.NewUploadService(uploadConfig(t), docs, &mockQueue{})

	// A .png name wrapping plain text is rejected on content, not name.
	_, err := svc.Upload(context.Background(), "fake.png", strings.NewReader("just some text"))
	require.ErrorIs(t, err, domain.ErrUnsupportedMedia)
	docs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()
	svc := usecase.NewUploadService(uploadConfig(t), &mockDocumentRepo{}, &mockQueue{})

	big := append(append([]byte{}, pngHeader...), make([]byte, 1<<20)...)
	_, err := svc.Upload(context.Background(), "huge.png", bytes.NewReader(big))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUploadEmptyFile(t *testing.T) {
	t.Parallel()
	svc := usecase.NewUploadService(uploadConfig(t), &mockDocumentRepo{}, &mockQueue{})

	_, err := svc.Upload(context.Background(), "empty.png", bytes.NewReader(nil))
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestUploadCleansUpFileWhenCreateFails(t *testing.T) {
	t.Parallel()
	cfg := uploadConfig(t)
	docs := &mockDocumentRepo{}
	svc := usecase.NewUploadService(cfg, docs, &mockQueue{})

	docs.On("Create", mock.Anything, mock.Anything).Return("", domain.ErrInternal)

	_, err := svc.Upload(context.Background(), "invoice.png", bytes.NewReader(pngHeader))
	require.ErrorIs(t, err, domain.ErrInternal)

	entries, err := os.ReadDir(cfg.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "stored file removed after insert failure")
}
