package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultImageExtension is used when the store is opened without one.
const DefaultImageExtension = "jpg"

var imageNamePattern = regexp.MustCompile(`^\d{8}_(\d{5,})\.[A-Za-z0-9]+$`)

// ImageFilename returns DDMMYYYY_NNNNN.ext for the capture date and index.
func ImageFilename(at time.Time, index uint64, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = DefaultImageExtension
	}
	return fmt.Sprintf("%s_%05d.%s", at.Format("02012006"), index, ext)
}

// ParseImageIndex extracts the image index from a name produced by
// ImageFilename.
func ParseImageIndex(name string) (uint64, bool) {
	m := imageNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	idx, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// maxImageOnDisk returns the highest image index found in the photos
// directory, or 0 when there is none.
func maxImageOnDisk(dir string) (uint64, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if idx, ok := ParseImageIndex(e.Name()); ok && idx > max {
			max = idx
		}
	}
	return max, nil
}
