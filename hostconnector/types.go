package hostconnector

import (
	"errors"
	"time"

	"mjbridge/bridge"
	"mjbridge/pose"
)

// ObjectStateFlags 对象状态位掩码
type ObjectStateFlags uint32

const (
	StateVisible ObjectStateFlags = 1 << 0 // 是否可见
	StateActive  ObjectStateFlags = 1 << 1 // 是否激活
)

// SyncFlags 同步帧标志
type SyncFlags uint32

const (
	FlagFullSync SyncFlags = 1 << 0 // 完整同步：包含所有有效对象
)

// AnchorBody 锚节点对象的 Body 值，锚节点不对应任何刚体
const AnchorBody = -1

// ObjectSyncData 单个场景节点的同步数据。位姿为相对父节点的局部变换，四元数顺序 [w, x, y, z]。
// Parent 是父对象的 ObjectID，0 表示挂在宿主场景根下
type ObjectSyncData struct {
	ObjectID   uint64           `json:"id"`
	Parent     uint64           `json:"parent"`
	Body       int              `json:"body"`
	Name       string           `json:"name"`
	Position   [3]float64       `json:"pos"`
	Rotation   [4]float64       `json:"quat"`
	StateFlags ObjectStateFlags `json:"flags"`
}

// SyncFrame 发送给宿主的一帧
type SyncFrame struct {
	FrameNumber  uint64           `json:"frame"`
	SimTime      float64          `json:"time"`
	Timestamp    time.Time        `json:"timestamp"`
	Flags        SyncFlags        `json:"flags"`
	TotalObjects int              `json:"total"`
	Objects      []ObjectSyncData `json:"objects"`
}

// Full 是否为完整同步帧
func (f SyncFrame) Full() bool {
	return f.Flags&FlagFullSync != 0
}

// Snapshot 当前所有对象状态的快照
type Snapshot struct {
	FrameNumber uint64
	Timestamp   time.Time
	Objects     []ObjectSyncData
	Changed     []uint64 // 上一帧变化对象的ObjectID列表
}

// TransformSource 读取场景节点局部变换
type TransformSource interface {
	LocalTransform(node bridge.NodeID) (pose.Pose, bool)
}

// FrameSink 同步帧的发送端（websocket 广播等）
type FrameSink interface {
	WriteFrame(frame SyncFrame) error
}

// SinkFunc 函数适配器
type SinkFunc func(frame SyncFrame) error

func (f SinkFunc) WriteFrame(frame SyncFrame) error {
	return f(frame)
}

// MultiSink 把同一帧依次写入多个发送端，单个发送端失败不影响其余发送端
type MultiSink []FrameSink

func (m MultiSink) WriteFrame(frame SyncFrame) error {
	var errs []error
	for _, sink := range m {
		if err := sink.WriteFrame(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncConfig 同步配置
type SyncConfig struct {
	FullSyncInterval int     // 每N帧进行一次完整同步
	ChangeThreshold  float64 // 变化对象比例超过该值时直接完整同步，取值 (0, 1]，0 表示使用默认值
	ChangeEpsilon    float64 // 位姿变化判定容差
}

// DefaultSyncConfig 默认配置
var DefaultSyncConfig = SyncConfig{
	FullSyncInterval: 10,
	ChangeThreshold:  0.5,
	ChangeEpsilon:    1e-9,
}
