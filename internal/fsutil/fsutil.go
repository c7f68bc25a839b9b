package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Formats with a registered decoder.
var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
	".tga":  {},
}

// Camera RAW formats. They cannot be decoded here but darktable may know
// their metadata.
var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".pef": {},
	".raf": {},
	".srw": {},
	".x3f": {},
}

// ListImages returns decodable image files under root in lexical order. When
// recursive is false only root itself is scanned.
func ListImages(root string, recursive bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (!recursive || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if IsImageFile(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is a decodable image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// CountRAW returns how many RAW files sit directly in dir.
func CountRAW(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && IsRAWFile(e.Name()) {
			n++
		}
	}
	return n
}
