package core

import (
	"context"
	"errors"
	"testing"

	"github.com/kilupskalvis/blobview/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	calls   int
	ref     models.BlobReference
	payload []byte
	message string
	result  *models.UploadResult
	err     error
}

func (w *recordingWriter) Write(_ context.Context, ref models.BlobReference, payload []byte, message string) (*models.UploadResult, error) {
	w.calls++
	w.ref = ref
	w.payload = payload
	w.message = message
	return w.result, w.err
}

func TestUploadGate_RejectsImmutableRef(t *testing.T) {
	w := &recordingWriter{}
	gate := NewUploadGate(w, nil)

	res, err := gate.Attempt(context.Background(), models.UploadAttempt{
		Target:       smdkRef,
		IsRefMutable: false,
		Payload:      []byte("#define X 1\n"),
	})

	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, models.ErrImmutableRef)
	assert.Equal(t, models.KindImmutableRef, models.KindOf(err))
	assert.False(t, models.IsRetryable(err))
	assert.Equal(t, 0, w.calls)
}

func TestUploadGate_RejectsWhenTargetIsImmutable(t *testing.T) {
	w := &recordingWriter{}
	gate := NewUploadGate(w, nil)

	target := models.BlobReference{RepositoryID: "u-boot", Ref: "v2024.01", Path: "Makefile"}
	_, err := gate.Attempt(context.Background(), models.UploadAttempt{
		Target:       target,
		IsRefMutable: true,
		Payload:      []byte("x"),
	})

	assert.ErrorIs(t, err, models.ErrImmutableRef)
	assert.Equal(t, 0, w.calls)
}

func TestUploadGate_DelegatesForBranch(t *testing.T) {
	w := &recordingWriter{result: &models.UploadResult{CommitID: "abc", BlobID: "def"}}
	gate := NewUploadGate(w, nil)

	target := models.BlobReference{RepositoryID: "u-boot", Ref: "main", Path: "README", IsRefMutable: true}
	res, err := gate.Attempt(context.Background(), models.UploadAttempt{
		Target:        target,
		IsRefMutable:  true,
		Payload:       []byte("new"),
		CommitMessage: "update readme",
	})

	require.NoError(t, err)
	assert.Equal(t, "abc", res.CommitID)
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, target, w.ref)
	assert.Equal(t, []byte("new"), w.payload)
	assert.Equal(t, "update readme", w.message)
}

func TestUploadGate_PassesWriterErrorThrough(t *testing.T) {
	writeErr := errors.New("disk full")
	w := &recordingWriter{err: writeErr}
	gate := NewUploadGate(w, nil)

	target := models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a", IsRefMutable: true}
	_, err := gate.Attempt(context.Background(), models.UploadAttempt{Target: target, IsRefMutable: true})

	assert.Same(t, writeErr, err)
	assert.Equal(t, 1, w.calls)
}

func TestUploadGate_NilResultIsEmpty(t *testing.T) {
	w := &recordingWriter{}
	gate := NewUploadGate(w, nil)

	target := models.BlobReference{RepositoryID: "r", Ref: "main", Path: "a", IsRefMutable: true}
	res, err := gate.Attempt(context.Background(), models.UploadAttempt{Target: target, IsRefMutable: true})

	require.NoError(t, err)
	assert.NotNil(t, res)
}
