//go:build linux

package convergence

import (
	"time"

	"golang.org/x/sys/unix"
)

// dirCreated returns the inode change time of path, the closest Linux offers
// to a creation time for directories.
func dirCreated(path string) (time.Time, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return time.Time{}, err
	}
	return time.Unix(st.Ctim.Unix()), nil
}
