package bridge

import (
	"errors"

	"mjbridge/bodytree"
)

var (
	// ErrMalformedHierarchy 刚体层级非法，模型加载中止
	ErrMalformedHierarchy = bodytree.ErrMalformedHierarchy

	// ErrAlreadySpawned 模型已经实例化到场景图中
	ErrAlreadySpawned = errors.New("model already spawned")

	// ErrBodyCountMismatch 物理引擎与场景图的刚体集合不一致，仿真无法安全继续
	ErrBodyCountMismatch = errors.New("body count mismatch between engine and scene graph")

	// ErrActuatorCountMismatch 控制向量长度与执行器数量不一致，保留上一次的控制向量
	ErrActuatorCountMismatch = errors.New("actuator count mismatch")

	// ErrInvalidControl 控制向量包含非有限值
	ErrInvalidControl = errors.New("control vector contains non-finite values")

	// ErrFaulted 该模型实例已经进入故障状态，不再推进
	ErrFaulted = errors.New("simulation faulted")

	// ErrNotSpawned 模型尚未加载
	ErrNotSpawned = errors.New("model not spawned")
)
