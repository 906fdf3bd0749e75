package draft

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"protomedia/internal/faults"
	"protomedia/internal/media"
)

// Rendition blobs are kept outside the database so the draft record stays
// small; they are stored per protocol so Discard can remove everything for
// one protocol in a single directory delete.

// SaveRendition writes one derivative's bytes to local storage and returns
// the file path. kind distinguishes the gallery and document outputs.
func (s *Store) SaveRendition(protocolID, itemID, kind string, rendition *media.Rendition) (string, error) {
	if rendition == nil || len(rendition.Bytes) == 0 {
		return "", faults.Wrap(faults.ErrValidation, "draftstore", "save rendition", "empty rendition", nil)
	}
	dir := filepath.Join(s.renditionDir, protocolID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create rendition directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.%s%s", itemID, kind, extensionFor(rendition.MimeKind)))
	if err := os.WriteFile(path, rendition.Bytes, 0o644); err != nil {
		return "", fmt.Errorf("write rendition: %w", err)
	}
	return path, nil
}

// LoadRendition reads a previously saved rendition back from disk.
func (s *Store) LoadRendition(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, faults.Wrap(faults.ErrNotFound, "draftstore", "load rendition", path, nil)
		}
		return nil, fmt.Errorf("read rendition: %w", err)
	}
	return data, nil
}

func (s *Store) removeRenditions(protocolID string) error {
	if protocolID == "" {
		return nil
	}
	dir := filepath.Join(s.renditionDir, protocolID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove renditions: %w", err)
	}
	return nil
}

func extensionFor(mimeKind string) string {
	switch mimeKind {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ".bin"
	}
}
