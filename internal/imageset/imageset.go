// Package imageset loads photo collections in acquisition order.
package imageset

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"panosearch/internal/fsutil"
)

// ErrDuplicateImage is returned when the same path appears twice in a set.
var ErrDuplicateImage = errors.New("duplicate image")

// Image is one photo and its ordering key.
type Image struct {
	Path    string
	Created time.Time
}

// Name returns the file name of the image.
func (i Image) Name() string { return filepath.Base(i.Path) }

// OrderFunc returns the acquisition time used to order an image.
type OrderFunc func(path string) (time.Time, error)

// Set is an immutable sequence of images sorted ascending by creation time.
// Ties are broken by path so the order is stable across runs.
type Set struct {
	images []Image
}

// New sorts images and rejects duplicate paths.
func New(images []Image) (*Set, error) {
	sorted := make([]Image, len(images))
	copy(sorted, images)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Created.Equal(sorted[j].Created) {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Created.Before(sorted[j].Created)
	})

	seen := make(map[string]struct{}, len(sorted))
	for _, img := range sorted {
		key := filepath.Clean(img.Path)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateImage, img.Path)
		}
		seen[key] = struct{}{}
	}
	return &Set{images: sorted}, nil
}

// Len reports the number of images.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.images)
}

// At returns the i-th image.
func (s *Set) At(i int) Image { return s.images[i] }

// Images returns a copy of the ordered images.
func (s *Set) Images() []Image {
	if s == nil {
		return nil
	}
	out := make([]Image, len(s.images))
	copy(out, s.images)
	return out
}

// Paths returns the image paths in set order.
func (s *Set) Paths() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.images))
	for i, img := range s.images {
		out[i] = img.Path
	}
	return out
}

// LoadOptions controls directory discovery.
type LoadOptions struct {
	Extensions []string
	Recursive  bool
	Order      OrderFunc // defaults to ByBirthTime
}

// Load lists the images in dir and orders them with opts.Order.
func Load(dir string, opts LoadOptions) (*Set, error) {
	if !fsutil.IsDirectory(dir) {
		return nil, fmt.Errorf("source directory not found: %s", dir)
	}
	files, err := fsutil.ListImages(dir, opts.Extensions, opts.Recursive)
	if err != nil {
		return nil, fmt.Errorf("list images in %s: %w", dir, err)
	}
	return FromPaths(files, opts.Order)
}

// FromPaths builds a set from explicit files.
func FromPaths(files []string, order OrderFunc) (*Set, error) {
	if order == nil {
		order = ByBirthTime
	}
	images := make([]Image, 0, len(files))
	for _, f := range files {
		created, err := order(f)
		if err != nil {
			return nil, fmt.Errorf("ordering key for %s: %w", f, err)
		}
		images = append(images, Image{Path: f, Created: created})
	}
	return New(images)
}

// ByBirthTime orders by filesystem creation time.
func ByBirthTime(path string) (time.Time, error) { return fsutil.BirthTime(path) }

// ByModTime orders by filesystem modification time.
func ByModTime(path string) (time.Time, error) { return fsutil.ModTime(path) }

// OrderByName resolves a configured ordering key.
func OrderByName(name string) (OrderFunc, error) {
	switch name {
	case "", "birth":
		return ByBirthTime, nil
	case "mtime":
		return ByModTime, nil
	case "exif":
		return ByEXIF(ByBirthTime), nil
	default:
		return nil, fmt.Errorf("unknown image order %q", name)
	}
}
