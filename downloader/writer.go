package downloader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnknownImageFormat is returned for bodies that are not a recognised image.
var ErrUnknownImageFormat = errors.New("unknown image format")

// DetectImageFormat reads the magic bytes and returns the image format and its file extension.
func DetectImageFormat(data []byte) (format, ext string, err error) {
	if len(data) < 12 {
		return "", "", errors.New("data too short to determine format")
	}

	if data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF {
		return "jpeg", "jpg", nil
	}
	if data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47 {
		return "png", "png", nil
	}
	if string(data[0:6]) == "GIF87a" || string(data[0:6]) == "GIF89a" {
		return "gif", "gif", nil
	}
	if string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return "webp", "webp", nil
	}

	return "", "", ErrUnknownImageFormat
}

// writePage stores data at path, creating the chapter directory as needed.
// Every write goes to its own temporary file which is then renamed, so readers never
// see a partial page and concurrent writes of the same page do not collide.
func writePage(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create chapter directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".page-*.part")
	if err != nil {
		return fmt.Errorf("failed to create temporary page: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write page: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write page: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write page: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to finalize page: %w", err)
	}
	return nil
}
