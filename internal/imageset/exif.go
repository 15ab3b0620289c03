package imageset

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os/exec"
	"strconv"
	"time"
)

const exifTimeLayout = "2006:01:02 15:04:05"

var exiftoolTimeout = 15 * time.Second

// ByEXIF orders by the DateTimeOriginal tag read with exiftool. Images
// without the tag, or hosts without exiftool, use fallback.
func ByEXIF(fallback OrderFunc) OrderFunc {
	return func(path string) (time.Time, error) {
		if _, err := exec.LookPath("exiftool"); err != nil {
			return fallback(path)
		}
		ctx, cancel := context.WithTimeout(context.Background(), exiftoolTimeout)
		defer cancel()

		cmd := exec.CommandContext(ctx, "exiftool", "-json", "-DateTimeOriginal", "-SubSecTimeOriginal", path)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err != nil {
			return fallback(path)
		}
		t, err := parseExifJSON(out.Bytes())
		if err != nil {
			return fallback(path)
		}
		return t, nil
	}
}

func parseExifJSON(data []byte) (time.Time, error) {
	var parsed []map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return time.Time{}, err
	}
	if len(parsed) == 0 {
		return time.Time{}, errors.New("exiftool returned no records")
	}
	raw, ok := parsed[0]["DateTimeOriginal"].(string)
	if !ok || raw == "" {
		return time.Time{}, errors.New("DateTimeOriginal missing")
	}
	t, err := time.ParseInLocation(exifTimeLayout, raw, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	// sub-second precision separates burst shots taken within one second
	switch sub := parsed[0]["SubSecTimeOriginal"].(type) {
	case float64:
		t = t.Add(subSeconds(sub))
	case string:
		if f, err := strconv.ParseFloat("0."+sub, 64); err == nil {
			t = t.Add(time.Duration(math.Round(f * float64(time.Second))))
		}
	}
	return t, nil
}

// subSeconds interprets SubSecTime digits, e.g. 42 -> 0.42s, 123 -> 0.123s.
func subSeconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	for v >= 1 {
		v /= 10
	}
	return time.Duration(math.Round(v * float64(time.Second)))
}
