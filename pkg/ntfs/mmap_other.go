//go:build !unix

package ntfs

import (
	"os"

	"github.com/pkg/errors"
)

func mmapFile(file *os.File, size int64) ([]byte, func() error, error) {
	return nil, nil, errors.New("memory mapping is not supported on this platform")
}
