//go:build !unix

package hostconnector

import "errors"

// NewSharedMemoryBlock 当前平台不支持文件映射共享内存
func NewSharedMemoryBlock(config SharedMemoryConfig, create bool) (*SharedMemoryBlock, error) {
	return nil, errors.New("shared memory sync is only supported on unix platforms")
}
