// Package media bounds inbound image payloads before they are described
// to the completion engine.
package media

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// maxDimension is the longest edge kept when downscaling.
const maxDimension = 1024

// maxImageBytes is the safety limit for reading image files (10MB).
const maxImageBytes = 10 * 1024 * 1024

// IsImagePath reports whether the payload references a supported local
// image file.
func IsImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	}
	return false
}

// Downscale resizes the image at path so its longest edge is at most
// maxDimension, writing the result next to the original. It returns the
// path to use (the original when no resize was needed or possible).
func Downscale(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		slog.Warn("media: stat failed, using payload as-is", "path", path, "error", err)
		return path
	}
	if info.Size() > maxImageBytes {
		slog.Warn("media: image too large, using payload as-is", "path", path, "size", info.Size())
		return path
	}

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		slog.Warn("media: open failed, using payload as-is", "path", path, "error", err)
		return path
	}

	bounds := img.Bounds()
	if bounds.Dx() <= maxDimension && bounds.Dy() <= maxDimension {
		return path
	}

	resized := imaging.Fit(img, maxDimension, maxDimension, imaging.Lanczos)
	out := fmt.Sprintf("%s.small%s", strings.TrimSuffix(path, filepath.Ext(path)), filepath.Ext(path))
	if err := imaging.Save(resized, out); err != nil {
		slog.Warn("media: save failed, using payload as-is", "path", path, "error", err)
		return path
	}
	return out
}
