//go:build unix

package ntfs

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func mmapFile(file *os.File, size int64) ([]byte, func() error, error) {
	if size <= 0 || int64(int(size)) != size {
		return nil, nil, errors.Errorf("cannot map %d bytes", size)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mmap")
	}
	return data, func() error { return unix.Munmap(data) }, nil
}
