//go:build !linux

package convergence

import (
	"os"
	"time"
)

func dirCreated(path string) (time.Time, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return fi.ModTime(), nil
}
