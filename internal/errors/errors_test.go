package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOfWrappedError(t *testing.T) {
	base := NewDecodeFailedError("scan.png", stderrors.New("bad header"))
	wrapped := fmt.Errorf("load: %w", base)

	assert.Equal(t, ErrorDecodeFailed, CodeOf(wrapped))
	assert.True(t, Is(wrapped, ErrorDecodeFailed))
	assert.False(t, Is(wrapped, ErrorSourceNotFound))
	assert.Equal(t, ErrorCode(""), CodeOf(stderrors.New("plain")))
	assert.False(t, Is(nil, ErrorDecodeFailed))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := NewEngineUnavailableError("deu", stderrors.New("missing traineddata"))
	assert.Contains(t, err.Error(), "ENGINE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "missing traineddata")
	assert.EqualError(t, stderrors.Unwrap(err), "missing traineddata")

	noCause := NewNoTextExtractedError([]string{"--psm 3"})
	assert.Equal(t, "NO_TEXT_EXTRACTED: No recognition configuration produced any text", noCause.Error())
}

func TestToMap(t *testing.T) {
	err := NewSourceNotFoundError("/tmp/missing.png", stderrors.New("no such file")).WithJob("job-1")
	m := err.ToMap()

	require.Equal(t, "SOURCE_NOT_FOUND", m["error_code"])
	assert.Equal(t, "job-1", m["job_id"])
	assert.Equal(t, "/tmp/missing.png", m["source"])
	assert.Equal(t, "no such file", m["cause"])
}

func TestWithJobDoesNotMutateOriginal(t *testing.T) {
	err := NewInvalidRequestError("empty image")
	tagged := err.WithJob("abc")

	assert.Empty(t, err.JobID)
	assert.Equal(t, "abc", tagged.JobID)
}

func TestAsFindsWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("job failed: %w", NewDecodeFailedError("a.png", nil))
	ee, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorDecodeFailed, ee.Code)

	_, ok = As(fmt.Errorf("plain"))
	assert.False(t, ok)
}
