//go:build darwin

package fsutil

import (
	"time"

	"golang.org/x/sys/unix"
)

// BirthTime returns the file creation time.
func BirthTime(path string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, err
	}
	return time.Unix(st.Birthtimespec.Unix()), nil
}
