// Package hostconnector 把场景节点的局部变换同步给远端宿主：
// 平时只发送变化的节点，每隔若干帧发送一次完整同步
package hostconnector

import (
	"log"
	"sync"
	"time"

	"mjbridge/bodytree"
	"mjbridge/bridge"
	"mjbridge/metrics"
	"mjbridge/pose"
)

type syncObject struct {
	data  ObjectSyncData
	node  bridge.NodeID
	local pose.Pose
}

// ObjectSyncManager 对象同步管理器，作为 bridge.FrameObserver 在每帧结束时运行
type ObjectSyncManager struct {
	source TransformSource
	sink   FrameSink
	config SyncConfig

	// 对象状态缓存
	objects      []syncObject
	objectMap    map[uint64]int // ObjectID -> objects索引
	changedFlags []bool         // 标记哪些对象发生了变化

	// 帧管理
	currentFrame uint64
	frameTime    time.Duration
	lastUpdate   time.Time

	// 同步控制
	mu           sync.RWMutex
	enableSync   bool
	frameCounter int // 距上次完整同步的帧数

	// 事件回调
	onFrameComplete func(frameNum uint64, changedCount int)
}

// NewObjectSyncManager 创建对象同步管理器
func NewObjectSyncManager(source TransformSource, sink FrameSink, config SyncConfig) *ObjectSyncManager {
	if config.FullSyncInterval <= 0 {
		config.FullSyncInterval = DefaultSyncConfig.FullSyncInterval
	}
	if config.ChangeThreshold <= 0 {
		config.ChangeThreshold = DefaultSyncConfig.ChangeThreshold
	}

	return &ObjectSyncManager{
		source:     source,
		sink:       sink,
		config:     config,
		objectMap:  make(map[uint64]int),
		enableSync: true,
		lastUpdate: time.Now(),
		// 第一帧总是完整同步
		frameCounter: config.FullSyncInterval,
	}
}

// RegisterObject 注册需要同步的场景节点，parent 为父对象的 ObjectID
func (osm *ObjectSyncManager) RegisterObject(body int, node bridge.NodeID, parent uint64, name string) bool {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	id := uint64(node)
	if _, exists := osm.objectMap[id]; exists {
		log.Printf("警告: 对象 %d 已注册", id)
		return false
	}

	local, ok := osm.source.LocalTransform(node)
	if !ok {
		log.Printf("错误: 无法注册对象 %d，场景节点不存在", id)
		return false
	}

	obj := syncObject{
		data: ObjectSyncData{
			ObjectID:   id,
			Parent:     parent,
			Body:       body,
			Name:       name,
			StateFlags: StateVisible | StateActive,
		},
		node:  node,
		local: local,
	}
	obj.fill()

	osm.objectMap[id] = len(osm.objects)
	osm.objects = append(osm.objects, obj)
	osm.changedFlags = append(osm.changedFlags, true)
	return true
}

// RegisterNodeMap 注册锚节点和模型中的所有刚体节点。
// 锚节点携带坐标轴修正，宿主从完整同步帧即可重建整棵子树
func (osm *ObjectSyncManager) RegisterNodeMap(nodes *bridge.NodeMap, anchor bridge.NodeID, names func(body int) string) int {
	count := 0
	if osm.RegisterObject(AnchorBody, anchor, 0, bridge.AnchorName) {
		count++
	}
	for _, id := range nodes.IDs() {
		node, _ := nodes.Node(id)
		parent := uint64(anchor)
		if p := nodes.Parent(id); p != bodytree.NoParent {
			pn, _ := nodes.Node(p)
			parent = uint64(pn)
		}
		if osm.RegisterObject(id, node, parent, names(id)) {
			count++
		}
	}
	log.Printf("注册同步对象 %d 个", count)
	return count
}

// RemoveObject 移除对象，下一帧以非激活状态发送给宿主
func (osm *ObjectSyncManager) RemoveObject(id uint64) bool {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	idx, exists := osm.objectMap[id]
	if !exists || osm.objects[idx].data.StateFlags == 0 {
		return false
	}

	osm.objects[idx].data.StateFlags = 0
	osm.changedFlags[idx] = true

	log.Printf("移除对象: ID=%d", id)
	return true
}

// OnFrame 实现 bridge.FrameObserver
func (osm *ObjectSyncManager) OnFrame(state bridge.SimulationState) {
	osm.BeginFrame()
	osm.Collect()
	osm.EndFrame(state.Time)
}

// BeginFrame 开始新帧
func (osm *ObjectSyncManager) BeginFrame() {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	osm.lastUpdate = time.Now()
	osm.currentFrame++
}

// Collect 从场景图读取局部变换并标记变化的对象
func (osm *ObjectSyncManager) Collect() {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	for i := range osm.objects {
		obj := &osm.objects[i]
		if obj.data.StateFlags == 0 {
			continue
		}
		local, ok := osm.source.LocalTransform(obj.node)
		if !ok {
			continue
		}
		if !local.ApproxEqual(obj.local, osm.config.ChangeEpsilon) {
			obj.local = local
			obj.fill()
			osm.changedFlags[i] = true
		}
	}
}

// EndFrame 结束帧，执行同步
func (osm *ObjectSyncManager) EndFrame(simTime float64) {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	if !osm.enableSync {
		return
	}

	// 计算帧时间
	osm.frameTime = time.Since(osm.lastUpdate)

	// 收集变化的对象
	changed := make([]ObjectSyncData, 0, len(osm.objects))
	totalCount := 0
	for i := range osm.objects {
		if osm.objects[i].data.StateFlags != 0 {
			totalCount++
		}
		if osm.changedFlags[i] {
			changed = append(changed, osm.objects[i].data)
		}
	}

	frame := SyncFrame{
		FrameNumber:  osm.currentFrame,
		SimTime:      simTime,
		Timestamp:    time.Now(),
		TotalObjects: totalCount,
	}

	// 是否进行完整同步
	osm.frameCounter++
	full := osm.frameCounter >= osm.config.FullSyncInterval ||
		(totalCount > 0 && float64(len(changed)) > osm.config.ChangeThreshold*float64(totalCount))
	if full {
		frame.Flags |= FlagFullSync
		osm.frameCounter = 0

		// 完整同步时，写入所有有效对象
		changed = make([]ObjectSyncData, 0, totalCount)
		for i := range osm.objects {
			if osm.objects[i].data.StateFlags != 0 || osm.changedFlags[i] {
				changed = append(changed, osm.objects[i].data)
			}
		}
	}
	frame.Objects = changed

	if len(frame.Objects) == 0 {
		return
	}

	if err := osm.sink.WriteFrame(frame); err != nil {
		// 发送失败时保留变化标志，下一帧重发
		log.Printf("同步帧发送失败: 帧=%d, 错误=%v", osm.currentFrame, err)
		return
	}
	for i := range osm.changedFlags {
		osm.changedFlags[i] = false
	}

	if full {
		metrics.HostSyncFrames.WithLabelValues("full").Inc()
	} else {
		metrics.HostSyncFrames.WithLabelValues("delta").Inc()
	}

	// 触发回调
	if osm.onFrameComplete != nil {
		osm.onFrameComplete(osm.currentFrame, len(frame.Objects))
	}

	// 调试信息（每600帧输出一次）
	if osm.currentFrame%600 == 0 {
		log.Printf("同步完成: 帧=%d, 发送=%d, 总计=%d, 时间=%v",
			osm.currentFrame, len(frame.Objects), totalCount, osm.frameTime)
	}
}

// GetSnapshot 获取当前帧的快照
func (osm *ObjectSyncManager) GetSnapshot() *Snapshot {
	osm.mu.RLock()
	defer osm.mu.RUnlock()

	snapshot := &Snapshot{
		FrameNumber: osm.currentFrame,
		Timestamp:   time.Now(),
		Changed:     make([]uint64, 0),
	}

	for i := range osm.objects {
		if osm.objects[i].data.StateFlags != 0 {
			snapshot.Objects = append(snapshot.Objects, osm.objects[i].data)
		}
		if osm.changedFlags[i] {
			snapshot.Changed = append(snapshot.Changed, osm.objects[i].data.ObjectID)
		}
	}

	return snapshot
}

// SetFrameCompleteCallback 设置帧完成回调
func (osm *ObjectSyncManager) SetFrameCompleteCallback(callback func(frameNum uint64, changedCount int)) {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.onFrameComplete = callback
}

// EnableSync 启用/禁用同步
func (osm *ObjectSyncManager) EnableSync(enable bool) {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.enableSync = enable
	log.Printf("同步 %s", map[bool]string{true: "启用", false: "禁用"}[enable])
}

// Close 关闭同步管理器
func (osm *ObjectSyncManager) Close() {
	osm.mu.Lock()
	defer osm.mu.Unlock()

	osm.enableSync = false
	log.Printf("对象同步管理器已关闭")
}

func (o *syncObject) fill() {
	o.data.Position = [3]float64(o.local.Pos)
	o.data.Rotation = o.local.EngineQuat()
}
