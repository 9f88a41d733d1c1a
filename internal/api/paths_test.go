package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
)

func TestResolveImagePath(t *testing.T) {
	root := t.TempDir()
	realRoot, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scans"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "scans", "a.png"), []byte("x"), 0o644))

	got, err := resolveImagePath(root, "scans/a.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realRoot, "scans", "a.png"), got)

	got, err = resolveImagePath(root, filepath.Join(root, "scans", "..", "scans", "a.png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(realRoot, "scans", "a.png"), got)

	got, err = resolveImagePath(root, "scans/missing.png")
	require.NoError(t, err, "missing files inside the root surface later as SOURCE_NOT_FOUND")
	assert.Equal(t, filepath.Join(root, "scans", "missing.png"), got)
}

func TestResolveImagePathRejectsEscapes(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.png")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o644))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "link.png")))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "elsewhere")))

	for _, p := range []string{
		secret,
		"../" + filepath.Base(outside) + "/secret.png",
		"scans/../../secret.png",
		"link.png",
		"elsewhere/secret.png",
	} {
		_, err := resolveImagePath(root, p)
		require.Error(t, err, p)
		assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorInvalidRequest), p)
	}

	_, err := resolveImagePath("", "a.png")
	assert.True(t, ocrerrors.Is(err, ocrerrors.ErrorInvalidRequest))
}
