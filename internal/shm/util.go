package shm

import (
	"errors"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrNoSpaceLeft is returned when /dev/shm cannot hold a new object.
var ErrNoSpaceLeft = errors.New("share memory had not left space")

// canCreateOnDevShm reports whether an object of size bytes fits into /dev/shm.
// Objects outside /dev/shm are not checked.
func canCreateOnDevShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, devShm) {
		return true
	}
	stat, err := disk.Usage(devShm)
	if err != nil {
		return true
	}
	return stat.Free >= size
}
