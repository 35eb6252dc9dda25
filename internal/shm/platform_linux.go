//go:build linux

package shm

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapRegion maps, creates or exclusively creates a named shared memory object (Linux implementation).
func MapRegion(ctx context.Context, opts MapOptions) (*MappedRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := ObjectPath(opts.Name)
	fd, created, err := openObject(path, opts)
	if err != nil {
		return nil, err
	}
	if created {
		if !canCreateOnDevShm(uint64(opts.Size), path) {
			_ = unix.Close(fd)
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("%s: %w", path, ErrNoSpaceLeft)
		}
		if err := unix.Ftruncate(fd, int64(opts.Size)); err != nil {
			_ = unix.Close(fd)
			_ = unix.Unlink(path)
			return nil, fmt.Errorf("ftruncate: %w", err)
		}
	}
	size := opts.Size
	if !created {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("fstat: %w", err)
		}
		if st.Size == 0 {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("%s: %w", path, ErrNotSized)
		}
		if size == 0 || int64(size) > st.Size {
			size = int(st.Size)
		}
	}
	if size <= 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("%s: empty shared memory object", path)
	}
	addr, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		if created {
			_ = unix.Unlink(path)
		}
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &MappedRegion{
		Addr:    addr,
		Name:    opts.Name,
		Path:    path,
		Created: created,
		fd:      fd,
	}, nil
}

func openObject(path string, opts MapOptions) (fd int, created bool, err error) {
	if opts.Create {
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0600)
		if err == nil {
			return fd, true, nil
		}
		if err != unix.EEXIST {
			return -1, false, fmt.Errorf("open %s: %w", path, err)
		}
		if opts.Exclusive {
			return -1, false, fmt.Errorf("open %s: %w", path, os.ErrExist)
		}
	}
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if err == unix.ENOENT {
			return -1, false, fmt.Errorf("open %s: %w", path, os.ErrNotExist)
		}
		return -1, false, fmt.Errorf("open %s: %w", path, err)
	}
	return fd, false, nil
}

// UnmapRegion unmaps and closes the shared memory region (Linux implementation).
func UnmapRegion(ctx context.Context, region *MappedRegion) error {
	if region == nil || region.Addr == nil {
		return nil
	}
	if err := unix.Munmap(region.Addr); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	region.Addr = nil
	if region.fd >= 0 {
		if err := unix.Close(region.fd); err != nil {
			return fmt.Errorf("close: %w", err)
		}
		region.fd = -1
	}
	return nil
}
