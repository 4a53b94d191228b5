package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"mjbridge/bodytree"
	"mjbridge/metrics"
	"mjbridge/pose"
)

// Phase 流水线阶段
type Phase int

const (
	PhaseLoading Phase = iota
	PhaseSpawned
	PhaseStepping
	PhasePaused
	PhaseFaulted
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseSpawned:
		return "spawned"
	case PhaseStepping:
		return "stepping"
	case PhasePaused:
		return "paused"
	case PhaseFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Options 仿真流水线配置
type Options struct {
	// Pause 为 true 时不推进物理，但仍然回读位姿并转换
	Pause bool

	// TargetStepRate 每次物理推进之间的渲染帧数，不是帧率限制器。小于 1 按 1 处理
	TargetStepRate float64

	// FrameRate Run 的渲染帧节拍（帧/秒）
	FrameRate int

	// ZUp 为 true 时在锚节点上施加 Z 轴向上到 Y 轴向上的修正
	ZUp bool

	// Renormalize 组合前修正漂移的四元数
	Renormalize bool
}

// DefaultOptions 默认配置
var DefaultOptions = Options{
	TargetStepRate: 1,
	FrameRate:      60,
	ZUp:            true,
	Renormalize:    true,
}

// StepEvery 每隔多少帧推进一次物理
func (o Options) StepEvery() uint64 {
	n := math.Round(o.TargetStepRate)
	if n < 1 || math.IsNaN(n) {
		return 1
	}
	return uint64(n)
}

// Simulation 仿真上下文：依次串联树构建、场景实例化、物理推进、坐标转换与控制桥
type Simulation struct {
	engine Engine
	scene  SceneGraph
	opts   Options

	mu     sync.Mutex
	phase  Phase
	fault  error
	frame  uint64
	paused atomic.Bool

	nodes  *NodeMap
	anchor NodeID
	dims   Dims
	worlds []pose.Pose
	state  SimulationState
	ctrl   []float64

	control     *ControlBridge
	controllers []Controller
	observers   []FrameObserver
}

// NewSimulation 创建仿真上下文。engine 由 Simulation 独占
func NewSimulation(engine Engine, scene SceneGraph, opts Options) *Simulation {
	s := &Simulation{
		engine: engine,
		scene:  scene,
		opts:   opts,
		phase:  PhaseLoading,
	}
	s.paused.Store(opts.Pause)
	metrics.Phase.Set(float64(PhaseLoading))
	return s
}

// AddController 注册每帧运行的控制逻辑
func (s *Simulation) AddController(c Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controllers = append(s.controllers, c)
}

// AddObserver 注册帧完成通知
func (s *Simulation) AddObserver(o FrameObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Load 构建刚体树并实例化到场景图。每个模型只能成功加载一次
func (s *Simulation) Load(records []bodytree.BodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodes != nil {
		return ErrAlreadySpawned
	}

	tree, err := bodytree.Build(records)
	if err != nil {
		return fmt.Errorf("build body tree: %w", err)
	}

	dims := s.engine.Dims()
	if dims.Bodies != tree.Len() || tree.MaxID() >= dims.Bodies {
		return fmt.Errorf("%w: model has %d bodies (max id %d), engine reports %d",
			ErrBodyCountMismatch, tree.Len(), tree.MaxID(), dims.Bodies)
	}

	anchorPose := pose.Identity()
	if s.opts.ZUp {
		anchorPose = pose.ZUpToYUp()
	}

	nodes, anchor, err := Spawn(tree, s.scene, anchorPose)
	if err != nil {
		return fmt.Errorf("spawn model: %w", err)
	}

	s.nodes = nodes
	s.anchor = anchor
	s.dims = dims
	s.worlds = make([]pose.Pose, nodes.Size())
	s.state = newSimulationState(dims)
	s.ctrl = make([]float64, dims.Actuators)
	s.control = NewControlBridge(dims)
	s.setPhase(PhaseSpawned)

	metrics.BodiesSpawned.Set(float64(nodes.Len()))
	log.Printf("模型加载完成: 刚体=%d, qpos=%d, qvel=%d, 执行器=%d, 传感器=%d",
		nodes.Len(), dims.Qpos, dims.Qvel, dims.Actuators, dims.Sensors)
	return nil
}

// Frame 执行一帧：施加控制 -> 推进（未暂停时）-> 回读世界位姿 -> 转换局部位姿 ->
// 发布状态 -> 运行控制逻辑 -> 通知观察者
func (s *Simulation) Frame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	state, err := s.frameLocked()
	controllers := s.controllers
	observers := s.observers
	s.mu.Unlock()
	if err != nil {
		return err
	}

	for _, c := range controllers {
		v := c.Control(state)
		if v == nil {
			continue
		}
		if err := s.control.SetControl(v); err != nil {
			metrics.ControlRejectedTotal.WithLabelValues(RejectReason(err)).Inc()
			log.Printf("控制向量被拒绝: %v", err)
		}
	}
	for _, o := range observers {
		o.OnFrame(state)
	}
	return nil
}

func (s *Simulation) frameLocked() (SimulationState, error) {
	switch s.phase {
	case PhaseLoading:
		return SimulationState{}, ErrNotSpawned
	case PhaseFaulted:
		return SimulationState{}, fmt.Errorf("%w: %w", ErrFaulted, s.fault)
	}

	start := time.Now()
	defer func() {
		metrics.FrameDuration.Observe(time.Since(start).Seconds())
	}()

	s.control.copyControl(s.ctrl)
	s.engine.SetControl(s.ctrl)

	if s.paused.Load() {
		s.setPhase(PhasePaused)
	} else {
		s.setPhase(PhaseStepping)
		if s.frame%s.opts.StepEvery() == 0 {
			if err := s.engine.Step(); err != nil {
				return SimulationState{}, s.faultLocked("step", fmt.Errorf("engine step: %w", err))
			}
			metrics.StepsTotal.Inc()
		}
	}

	if err := s.readPosesLocked(); err != nil {
		return SimulationState{}, s.faultLocked("body_count", err)
	}
	if err := ConvertFrame(s.scene, s.nodes, s.worlds, s.opts.Renormalize); err != nil {
		return SimulationState{}, s.faultLocked("scene", err)
	}

	s.engine.ReadState(s.state.Qpos, s.state.Qvel, s.state.CfrcExt, s.state.SensorData)
	s.state.Frame = s.frame
	s.state.Time = s.engine.Time()
	s.control.publish(&s.state)

	s.frame++
	metrics.FramesTotal.Inc()
	return s.state.Clone(), nil
}

func (s *Simulation) readPosesLocked() error {
	if d := s.engine.Dims(); d.Bodies != s.nodes.Len() {
		return fmt.Errorf("%w: engine reports %d bodies, scene graph has %d",
			ErrBodyCountMismatch, d.Bodies, s.nodes.Len())
	}
	for _, id := range s.nodes.IDs() {
		p, ok := s.engine.BodyPose(id)
		if !ok {
			return fmt.Errorf("%w: no world pose for body %d", ErrBodyCountMismatch, id)
		}
		s.worlds[id] = p
	}
	return nil
}

func (s *Simulation) faultLocked(reason string, err error) error {
	s.fault = err
	s.setPhase(PhaseFaulted)
	metrics.FaultsTotal.WithLabelValues(reason).Inc()
	log.Printf("仿真故障，停止推进: %v", err)
	return err
}

func (s *Simulation) setPhase(p Phase) {
	s.phase = p
	metrics.Phase.Set(float64(p))
}

// Run 按 FrameRate 驱动帧循环，直到 ctx 结束或发生致命故障
func (s *Simulation) Run(ctx context.Context) error {
	rate := s.opts.FrameRate
	if rate <= 0 {
		rate = DefaultOptions.FrameRate
	}

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	log.Printf("仿真循环启动: %d 帧/秒, 每 %d 帧推进一次物理", rate, s.opts.StepEvery())
	for {
		select {
		case <-ctx.Done():
			log.Printf("仿真循环停止")
			return nil
		case <-ticker.C:
			if err := s.Frame(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return nil
				}
				return err
			}
		}
	}
}

// SetPaused 暂停或恢复物理推进
func (s *Simulation) SetPaused(paused bool) {
	if s.paused.Swap(paused) != paused {
		log.Printf("仿真%s", map[bool]string{true: "暂停", false: "恢复"}[paused])
	}
}

// Paused 是否暂停
func (s *Simulation) Paused() bool {
	return s.paused.Load()
}

// Phase 当前阶段
func (s *Simulation) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Fault 返回导致故障的错误，未故障时为 nil
func (s *Simulation) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Control 控制桥，模型加载前为 nil
func (s *Simulation) Control() *ControlBridge {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// State 最近一帧的状态快照，见 ControlBridge.State
func (s *Simulation) State() (SimulationState, bool) {
	c := s.Control()
	if c == nil {
		return SimulationState{}, false
	}
	return c.State()
}

// SetControl 提交控制向量，见 ControlBridge.SetControl
func (s *Simulation) SetControl(v []float64) error {
	c := s.Control()
	if c == nil {
		return ErrNotSpawned
	}
	return c.SetControl(v)
}

// Actuators 执行器数量，模型加载前为 0
func (s *Simulation) Actuators() int {
	c := s.Control()
	if c == nil {
		return 0
	}
	return c.Actuators()
}

// Nodes 刚体到场景节点的映射，模型加载前为 nil
func (s *Simulation) Nodes() *NodeMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nodes
}

// Anchor 模型锚节点
func (s *Simulation) Anchor() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anchor
}

// Dims 已加载模型的维度
func (s *Simulation) Dims() Dims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dims
}

// RejectReason 控制向量被拒绝的原因，用作 mjbridge_control_rejected_total 的 reason 标签
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotSpawned):
		return "not_spawned"
	case errors.Is(err, ErrActuatorCountMismatch):
		return "actuator_count"
	case errors.Is(err, ErrInvalidControl):
		return "non_finite"
	default:
		return "other"
	}
}
