package bridge

import (
	"fmt"
	"math"
	"sync"
)

// SimulationState 每帧的仿真状态。向量顺序由物理引擎决定，这里只做透传
type SimulationState struct {
	Frame      uint64    `json:"frame"`
	Time       float64   `json:"time"`
	Qpos       []float64 `json:"qpos"`
	Qvel       []float64 `json:"qvel"`
	CfrcExt    []float64 `json:"cfrc_ext"`
	SensorData []float64 `json:"sensordata"`
}

func newSimulationState(d Dims) SimulationState {
	return SimulationState{
		Qpos:       make([]float64, d.Qpos),
		Qvel:       make([]float64, d.Qvel),
		CfrcExt:    make([]float64, d.CfrcExt()),
		SensorData: make([]float64, d.Sensors),
	}
}

// Clone 深拷贝
func (s SimulationState) Clone() SimulationState {
	s.Qpos = append([]float64(nil), s.Qpos...)
	s.Qvel = append([]float64(nil), s.Qvel...)
	s.CfrcExt = append([]float64(nil), s.CfrcExt...)
	s.SensorData = append([]float64(nil), s.SensorData...)
	return s
}

// CfrcExtBody 返回某个刚体的 6 维外部接触力
func (s SimulationState) CfrcExtBody(id int) [6]float64 {
	var out [6]float64
	if id < 0 || 6*id+6 > len(s.CfrcExt) {
		return out
	}
	copy(out[:], s.CfrcExt[6*id:6*id+6])
	return out
}

// copyInto 原地覆盖，不重新分配
func (s *SimulationState) copyInto(dst *SimulationState) {
	dst.Frame = s.Frame
	dst.Time = s.Time
	copy(dst.Qpos, s.Qpos)
	copy(dst.Qvel, s.Qvel)
	copy(dst.CfrcExt, s.CfrcExt)
	copy(dst.SensorData, s.SensorData)
}

// ControlBridge 对外暴露最新的完整状态快照，并接收下一步使用的控制向量。
// 并发安全：外部控制逻辑可在任意 goroutine 中读写
type ControlBridge struct {
	mu      sync.RWMutex
	ranges  [][2]float64
	control []float64
	state   SimulationState
	ready   bool
}

// NewControlBridge 按引擎维度创建
func NewControlBridge(d Dims) *ControlBridge {
	return &ControlBridge{
		ranges:  d.CtrlRange,
		control: make([]float64, d.Actuators),
		state:   newSimulationState(d),
	}
}

// Actuators 执行器数量
func (c *ControlBridge) Actuators() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.control)
}

// SetControl 校验并接受控制向量。长度不符时返回 ErrActuatorCountMismatch，原控制向量保持不变
func (c *ControlBridge) SetControl(v []float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(v) != len(c.control) {
		return fmt.Errorf("%w: got %d values, engine expects %d", ErrActuatorCountMismatch, len(v), len(c.control))
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: index %d", ErrInvalidControl, i)
		}
	}

	for i, x := range v {
		if i < len(c.ranges) {
			lo, hi := c.ranges[i][0], c.ranges[i][1]
			if lo < hi {
				x = math.Max(lo, math.Min(hi, x))
			}
		}
		c.control[i] = x
	}
	return nil
}

// Control 返回当前已接受的控制向量副本
func (c *ControlBridge) Control() []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]float64(nil), c.control...)
}

// State 返回最近一个完整帧的状态副本。第二个返回值为 false 表示还没有任何帧完成
func (c *ControlBridge) State() (SimulationState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone(), c.ready
}

func (c *ControlBridge) copyControl(dst []float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	copy(dst, c.control)
}

func (c *ControlBridge) publish(s *SimulationState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.copyInto(&c.state)
	c.ready = true
}
