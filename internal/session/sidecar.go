package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"imgecho/internal/metadata"
	"imgecho/internal/overlay"
)

// SidecarSuffix is appended to an image path to name its edits file.
const SidecarSuffix = ".imgecho.json"

// Sidecar holds user edits stored next to an image. Blank record values
// leave the extracted ones in place; style keys present in the file always
// apply, zero included.
type Sidecar struct {
	Record metadata.Record       `json:"record"`
	Style  overlay.StyleOverride `json:"style"`
}

// SidecarPath returns the edits file for imagePath.
func SidecarPath(imagePath string) string {
	return imagePath + SidecarSuffix
}

// IsSidecar reports whether path names an edits file.
func IsSidecar(path string) bool {
	return strings.HasSuffix(path, SidecarSuffix)
}

// ImageForSidecar strips the sidecar suffix.
func ImageForSidecar(path string) string {
	return strings.TrimSuffix(path, SidecarSuffix)
}

// LoadSidecar reads the edits for imagePath. A missing file yields an empty
// Sidecar and no error.
func LoadSidecar(imagePath string) (Sidecar, error) {
	var sc Sidecar
	data, err := os.ReadFile(SidecarPath(imagePath))
	if errors.Is(err, fs.ErrNotExist) {
		return sc, nil
	}
	if err != nil {
		return sc, fmt.Errorf("read sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse sidecar %s: %w", SidecarPath(imagePath), err)
	}
	return sc, nil
}

// SaveSidecar writes sc next to imagePath.
func SaveSidecar(imagePath string, sc Sidecar) error {
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(imagePath), data, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// Apply merges the sidecar over an extracted record and a base style.
func (sc Sidecar) Apply(rec metadata.Record, style overlay.Style) (metadata.Record, overlay.Style) {
	return rec.Merge(sc.Record), style.Apply(sc.Style)
}
