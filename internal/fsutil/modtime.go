package fsutil

import (
	"os"
	"time"
)

// ModTime returns the file modification time.
func ModTime(path string) (time.Time, error) {
	st, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return st.ModTime(), nil
}
