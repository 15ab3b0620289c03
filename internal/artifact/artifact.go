// Package artifact publishes the composite of a search next to its report.
package artifact

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/gographics/imagick.v3/imagick"

	"panosearch/internal/fsutil"
)

// Info describes a composite image.
type Info struct {
	Path   string
	Width  uint
	Height uint
	Format string
	Size   int64
}

// Inspect reads the dimensions and format of the image at path without
// decoding its pixels.
func Inspect(path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.PingImage(path); err != nil {
		return Info{Path: path, Size: st.Size()}, fmt.Errorf("failed to read composite: %w", err)
	}
	return Info{
		Path:   path,
		Width:  mw.GetImageWidth(),
		Height: mw.GetImageHeight(),
		Format: mw.GetImageFormat(),
		Size:   st.Size(),
	}, nil
}

// PublishOptions control where and how the composite is published.
type PublishOptions struct {
	Dir string
	// Format converts the composite ("jpg", "tif", "png"); empty keeps the source format.
	Format string
	// Now stamps the file names.
	Now func() time.Time
}

// Published lists the published files. Report is set by the caller once
// the report has been written with WriteReport.
type Published struct {
	Composite string
	Report    string
}

// Publish copies src to <dir>/panorama_YYYYMMDD_HHMMSS<ext>, converting it
// when a different format is requested.
func Publish(src string, opts PublishOptions) (Published, error) {
	if src == "" {
		return Published{}, fmt.Errorf("no composite to publish")
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return Published{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	stem := filepath.Join(opts.Dir, "panorama_"+now().Format("20060102_150405"))
	srcExt := strings.ToLower(filepath.Ext(src))
	ext := srcExt
	if opts.Format != "" {
		ext = "." + normalizeFormat(opts.Format)
	}

	var out Published
	out.Composite = stem + ext
	if normalizeFormat(strings.TrimPrefix(srcExt, ".")) == strings.TrimPrefix(ext, ".") {
		if err := fsutil.CopyFile(src, out.Composite); err != nil {
			return Published{}, fmt.Errorf("failed to copy composite: %w", err)
		}
	} else if err := convert(src, out.Composite); err != nil {
		return Published{}, err
	}
	return out, nil
}

// ReportPath is the .txt file that accompanies composite.
func ReportPath(composite string) string {
	return strings.TrimSuffix(composite, filepath.Ext(composite)) + ".txt"
}

func convert(src, dst string) error {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(src); err != nil {
		return fmt.Errorf("failed to read composite: %w", err)
	}
	if strings.HasSuffix(dst, ".jpg") {
		if err := mw.SetImageCompressionQuality(95); err != nil {
			return fmt.Errorf("failed to set quality: %w", err)
		}
	}
	if err := mw.WriteImage(dst); err != nil {
		return fmt.Errorf("failed to write composite: %w", err)
	}
	return nil
}

// WriteReport writes report to path.
func WriteReport(path string, report io.WriterTo) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if _, err := report.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	return f.Close()
}

func normalizeFormat(format string) string {
	switch f := strings.ToLower(strings.TrimPrefix(format, ".")); f {
	case "jpeg":
		return "jpg"
	case "tiff":
		return "tif"
	default:
		return f
	}
}
