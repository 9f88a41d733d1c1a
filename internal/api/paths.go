package api

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"

	ocrerrors "github.com/adverant/nexus/ocr-worker/internal/errors"
)

// resolveImagePath confines a client supplied path to root. Relative paths
// are taken from root. With no root configured, path input is refused.
// Paths outside root, directly or through a symlink, are rejected before the
// filesystem is read so the error does not reveal whether they exist.
func resolveImagePath(root, p string) (string, error) {
	if root == "" {
		return "", ocrerrors.NewInvalidRequestError("imagePath is not accepted by this server; send imageUrl or imageBase64")
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", ocrerrors.NewInvalidRequestError("image root is misconfigured")
	}
	candidate := p
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(absRoot, candidate)
	}
	candidate = filepath.Clean(candidate)
	if !within(absRoot, candidate) {
		return "", ocrerrors.NewInvalidRequestError("imagePath must be inside the image root")
	}

	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", ocrerrors.NewInvalidRequestError("image root is misconfigured")
	}
	real, err := filepath.EvalSymlinks(candidate)
	if errors.Is(err, fs.ErrNotExist) {
		return candidate, nil
	}
	if err != nil || !within(realRoot, real) {
		return "", ocrerrors.NewInvalidRequestError("imagePath must be inside the image root")
	}
	return real, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
