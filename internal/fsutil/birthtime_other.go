//go:build !linux && !darwin

package fsutil

import "time"

// BirthTime falls back to the modification time where no creation time is exposed.
func BirthTime(path string) (time.Time, error) {
	return ModTime(path)
}
