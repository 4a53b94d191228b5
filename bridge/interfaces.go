package bridge

import (
	"mjbridge/bodytree"
	"mjbridge/pose"
)

// Dims 物理引擎的各状态向量维度，模型加载后不再变化
type Dims struct {
	Bodies    int
	Qpos      int
	Qvel      int
	Actuators int
	Sensors   int

	// CtrlRange 每个执行器的控制范围；为空表示不限幅
	CtrlRange [][2]float64
}

// CfrcExt 外部接触力向量长度：每个刚体 6 个分量（力矩 xyz，力 xyz）
func (d Dims) CfrcExt() int {
	return 6 * d.Bodies
}

// Engine 物理引擎接口。实例只由 Simulation 独占访问
type Engine interface {
	Dims() Dims

	// Step 推进一个时间步，阻塞直到完成
	Step() error

	// Time 当前仿真时间（秒）
	Time() float64

	// BodyPose 返回刚体在世界坐标系下的位姿
	BodyPose(id int) (pose.Pose, bool)

	// ReadState 将状态向量写入调用方提供的缓冲区，长度由 Dims 决定
	ReadState(qpos, qvel, cfrcExt, sensors []float64)

	// SetControl 设置下一步使用的控制向量
	SetControl(ctrl []float64)
}

// NodeID 宿主场景图节点句柄
type NodeID uint64

// SceneGraph 宿主场景图接口
type SceneGraph interface {
	Root() NodeID
	CreateNode(parent NodeID, name string, local pose.Pose) (NodeID, error)
	SetLocalTransform(node NodeID, local pose.Pose) error

	// RemoveNode 删除节点及其整棵子树
	RemoveNode(node NodeID) error
}

// ShapeAttacher 可选接口：场景图支持为节点挂载几何体描述
type ShapeAttacher interface {
	AttachShape(node NodeID, geom bodytree.Geom) error
}

// Controller 每帧在状态发布之后运行的控制逻辑，返回 nil 表示不修改控制向量
type Controller interface {
	Control(state SimulationState) []float64
}

// ControllerFunc 函数适配器
type ControllerFunc func(state SimulationState) []float64

func (f ControllerFunc) Control(state SimulationState) []float64 {
	return f(state)
}

// FrameObserver 每帧结束时的通知
type FrameObserver interface {
	OnFrame(state SimulationState)
}
