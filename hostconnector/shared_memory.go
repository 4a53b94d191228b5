package hostconnector

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

var (
	// ErrSharedMemoryFull 对象数量超出共享内存块容量
	ErrSharedMemoryFull = errors.New("shared memory block full")

	// ErrTornRead 读取期间写端持续更新，未能得到一致的帧
	ErrTornRead = errors.New("shared memory read torn")

	// ErrSharedMemoryLayout 已有共享内存的布局与当前版本不一致
	ErrSharedMemoryLayout = errors.New("shared memory layout mismatch")

	ErrSharedMemoryClosed = errors.New("shared memory block closed")
)

const (
	sharedMemoryVersion = 2
	sharedNameLen       = 32
	maxReadRetries      = 64
)

// 共享内存布局：memoryHeader，随后是两个缓冲区，每个缓冲区为 bufferHeader + MaxObjects 个 sharedObject。
// 写端总是写入非 FrontBuffer 的缓冲区，写完后切换 FrontBuffer。
// 每个缓冲区带一个序号，写入期间为奇数
type memoryHeader struct {
	Version     uint32
	MaxObjects  uint32
	FrontBuffer uint32
	_           uint32
}

type bufferHeader struct {
	Seq          uint64
	FrameNumber  uint64
	Timestamp    int64  // 纳秒
	SimTime      uint64 // float64 位模式
	TotalObjects uint32
	ChangedCount uint32
	Flags        uint32
	_            uint32
}

type sharedObject struct {
	ObjectID   uint64
	Parent     uint64
	Body       int64
	Position   [3]float64
	Rotation   [4]float64
	StateFlags uint32
	_          uint32
	Name       [sharedNameLen]byte
}

const (
	memoryHeaderSize = int(unsafe.Sizeof(memoryHeader{}))
	bufferHeaderSize = int(unsafe.Sizeof(bufferHeader{}))
	objectDataSize   = int(unsafe.Sizeof(sharedObject{}))
)

// SharedMemoryConfig 共享内存块配置
type SharedMemoryConfig struct {
	Path       string // 映射文件路径，Linux 上通常位于 /dev/shm
	MaxObjects uint32 // 最大对象容量（固定）
}

// DefaultSharedMemoryConfig 默认配置
var DefaultSharedMemoryConfig = SharedMemoryConfig{
	Path:       "/dev/shm/mjbridge_sync",
	MaxObjects: 256,
}

func sharedMemorySize(maxObjects uint32) int {
	return memoryHeaderSize + 2*(bufferHeaderSize+int(maxObjects)*objectDataSize)
}

// SharedMemoryBlock 双缓冲共享内存块，宿主进程直接映射同一文件读取最新一帧。
// 增量帧会合并到完整对象表后再写入，宿主读到的每一帧都包含全部对象
type SharedMemoryBlock struct {
	config  SharedMemoryConfig
	data    []byte
	header  *memoryHeader
	isOwner bool
	unmap   func() error

	mu       sync.Mutex
	table    []ObjectSyncData
	tableIdx map[uint64]int

	// 统计信息
	stats struct {
		totalWrites uint64
		totalBytes  uint64
	}
}

func newSharedMemoryBlock(config SharedMemoryConfig, data []byte, create bool, unmap func() error) (*SharedMemoryBlock, error) {
	mb := &SharedMemoryBlock{
		config:   config,
		data:     data,
		header:   (*memoryHeader)(unsafe.Pointer(&data[0])),
		isOwner:  create,
		unmap:    unmap,
		tableIdx: make(map[uint64]int),
	}

	if create {
		mb.Initialize()
	} else if v := atomic.LoadUint32(&mb.header.Version); v != sharedMemoryVersion ||
		atomic.LoadUint32(&mb.header.MaxObjects) != config.MaxObjects {
		return nil, fmt.Errorf("%w: version %d, capacity %d", ErrSharedMemoryLayout, v, atomic.LoadUint32(&mb.header.MaxObjects))
	}

	log.Printf("共享内存块 %s 已%s (容量: %d 对象, 大小: %d 字节)",
		config.Path, map[bool]string{true: "创建", false: "打开"}[create],
		config.MaxObjects, len(data))
	return mb, nil
}

// Initialize 初始化共享内存头部
func (mb *SharedMemoryBlock) Initialize() {
	atomic.StoreUint32(&mb.header.MaxObjects, mb.config.MaxObjects)
	atomic.StoreUint32(&mb.header.FrontBuffer, 0)
	for i := 0; i < 2; i++ {
		bh := mb.buffer(i)
		atomic.StoreUint64(&bh.Seq, 0)
		atomic.StoreUint64(&bh.FrameNumber, 0)
		atomic.StoreUint32(&bh.TotalObjects, 0)
	}
	// 版本号最后写入，宿主以此判断内存块已就绪
	atomic.StoreUint32(&mb.header.Version, sharedMemoryVersion)
}

func (mb *SharedMemoryBlock) bufferOffset(i int) int {
	return memoryHeaderSize + i*(bufferHeaderSize+int(mb.config.MaxObjects)*objectDataSize)
}

func (mb *SharedMemoryBlock) buffer(i int) *bufferHeader {
	return (*bufferHeader)(unsafe.Pointer(&mb.data[mb.bufferOffset(i)]))
}

func (mb *SharedMemoryBlock) objects(i int) []sharedObject {
	off := mb.bufferOffset(i) + bufferHeaderSize
	return unsafe.Slice((*sharedObject)(unsafe.Pointer(&mb.data[off])), mb.config.MaxObjects)
}

// WriteFrame 实现 FrameSink：合并到对象表后写入后台缓冲区并切换
func (mb *SharedMemoryBlock) WriteFrame(frame SyncFrame) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.data == nil {
		return ErrSharedMemoryClosed
	}
	if frame.Full() {
		mb.table = mb.table[:0]
		clear(mb.tableIdx)
	}
	for _, obj := range frame.Objects {
		if idx, ok := mb.tableIdx[obj.ObjectID]; ok {
			mb.table[idx] = obj
			continue
		}
		if len(mb.table) >= int(mb.config.MaxObjects) {
			return fmt.Errorf("%w: capacity %d, object %d", ErrSharedMemoryFull, mb.config.MaxObjects, obj.ObjectID)
		}
		mb.tableIdx[obj.ObjectID] = len(mb.table)
		mb.table = append(mb.table, obj)
	}

	back := 1 - int(atomic.LoadUint32(&mb.header.FrontBuffer))
	bh := mb.buffer(back)
	dst := mb.objects(back)

	atomic.AddUint64(&bh.Seq, 1)
	for i, obj := range mb.table {
		dst[i] = sharedObject{
			ObjectID:   obj.ObjectID,
			Parent:     obj.Parent,
			Body:       int64(obj.Body),
			Position:   obj.Position,
			Rotation:   obj.Rotation,
			StateFlags: uint32(obj.StateFlags),
		}
		copy(dst[i].Name[:], obj.Name)
	}
	atomic.StoreUint64(&bh.FrameNumber, frame.FrameNumber)
	atomic.StoreInt64(&bh.Timestamp, frame.Timestamp.UnixNano())
	atomic.StoreUint64(&bh.SimTime, math.Float64bits(frame.SimTime))
	atomic.StoreUint32(&bh.TotalObjects, uint32(len(mb.table)))
	atomic.StoreUint32(&bh.ChangedCount, uint32(len(frame.Objects)))
	atomic.StoreUint32(&bh.Flags, uint32(frame.Flags))
	atomic.AddUint64(&bh.Seq, 1)

	// 切换前台缓冲区
	atomic.StoreUint32(&mb.header.FrontBuffer, uint32(back))

	atomic.AddUint64(&mb.stats.totalWrites, 1)
	atomic.AddUint64(&mb.stats.totalBytes, uint64(bufferHeaderSize+len(mb.table)*objectDataSize))
	return nil
}

// ReadFrame 读取前台缓冲区中的最新一帧，返回的帧总是包含全部对象
func (mb *SharedMemoryBlock) ReadFrame() (SyncFrame, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.data == nil {
		return SyncFrame{}, ErrSharedMemoryClosed
	}

	for attempt := 0; attempt < maxReadRetries; attempt++ {
		front := int(atomic.LoadUint32(&mb.header.FrontBuffer))
		bh := mb.buffer(front)

		seq := atomic.LoadUint64(&bh.Seq)
		if seq%2 == 1 {
			continue
		}

		frame := SyncFrame{
			FrameNumber:  atomic.LoadUint64(&bh.FrameNumber),
			SimTime:      math.Float64frombits(atomic.LoadUint64(&bh.SimTime)),
			Timestamp:    time.Unix(0, atomic.LoadInt64(&bh.Timestamp)),
			Flags:        SyncFlags(atomic.LoadUint32(&bh.Flags)),
			TotalObjects: int(atomic.LoadUint32(&bh.TotalObjects)),
		}
		if frame.TotalObjects > int(mb.config.MaxObjects) {
			continue
		}

		src := mb.objects(front)[:frame.TotalObjects]
		frame.Objects = make([]ObjectSyncData, len(src))
		for i, obj := range src {
			frame.Objects[i] = ObjectSyncData{
				ObjectID:   obj.ObjectID,
				Parent:     obj.Parent,
				Body:       int(obj.Body),
				Name:       cString(obj.Name[:]),
				Position:   obj.Position,
				Rotation:   obj.Rotation,
				StateFlags: ObjectStateFlags(obj.StateFlags),
			}
		}

		if atomic.LoadUint64(&bh.Seq) == seq {
			return frame, nil
		}
	}
	return SyncFrame{}, ErrTornRead
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// GetStats 写入统计
func (mb *SharedMemoryBlock) GetStats() (writes, bytes uint64) {
	return atomic.LoadUint64(&mb.stats.totalWrites), atomic.LoadUint64(&mb.stats.totalBytes)
}

// Close 解除映射。创建者同时删除映射文件
func (mb *SharedMemoryBlock) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.unmap == nil {
		return nil
	}
	err := mb.unmap()
	mb.unmap = nil
	mb.data = nil
	mb.header = nil

	writes, bytes := mb.GetStats()
	log.Printf("共享内存块 %s 已关闭 (写入 %d 帧, %d 字节)", mb.config.Path, writes, bytes)
	return err
}
