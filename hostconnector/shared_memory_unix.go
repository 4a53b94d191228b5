//go:build unix

package hostconnector

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewSharedMemoryBlock 创建（create 为 true）或打开共享内存块
func NewSharedMemoryBlock(config SharedMemoryConfig, create bool) (*SharedMemoryBlock, error) {
	if config.MaxObjects == 0 {
		return nil, fmt.Errorf("MaxObjects must be > 0")
	}
	size := sharedMemorySize(config.MaxObjects)

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(config.Path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开共享内存文件失败: %w", err)
	}
	defer f.Close()

	if create {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, fmt.Errorf("设置共享内存大小失败: %w", err)
		}
	} else if fi, err := f.Stat(); err != nil {
		return nil, err
	} else if fi.Size() < int64(size) {
		return nil, fmt.Errorf("%w: file has %d bytes, need %d", ErrSharedMemoryLayout, fi.Size(), size)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("映射共享内存失败: %w", err)
	}

	unmap := func() error {
		err := unix.Munmap(data)
		if create {
			if rmErr := os.Remove(config.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = errors.Join(err, rmErr)
			}
		}
		return err
	}

	mb, err := newSharedMemoryBlock(config, data, create, unmap)
	if err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return mb, nil
}
