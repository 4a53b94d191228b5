package physicalengine

import (
	"errors"
	"fmt"
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/jakecoffman/cp/v2"

	"mjbridge/bridge"
	"mjbridge/modelfile"
	"mjbridge/pose"
)

// ErrUnstable 积分发散（位置或角度出现 NaN/Inf）
var ErrUnstable = errors.New("simulation unstable")

// 物理对象类型
type PhysicsObjectType int

const (
	ObjectTypeStatic PhysicsObjectType = iota
	ObjectTypeDynamic
)

// 物理对象，与模型中的刚体一一对应
type PhysicsObject struct {
	ID         int
	Name       string
	Parent     int
	Body       *cp.Body
	Shapes     []*cp.Shape
	ObjectType PhysicsObjectType
	Joint      modelfile.Joint

	y0     float64    // 平面外坐标，保持不变
	theta0 float64    // 初始平面转角
	rot0   mgl64.Quat // 初始世界姿态
	rel0   float64    // 与父刚体的初始相对转角
	sign   float64    // 关节坐标与平面转角的方向关系
}

type actuator struct {
	object int
	gear   float64
}

// 物理引擎配置。平面为 X-Z，cp 的 Y 轴对应世界 Z 轴
type PhysicsEngineConfig struct {
	Gravity        cp.Vector
	TimeStep       float64
	Substeps       int // 每次 Step 执行的子步数
	Iterations     int
	Damping        float64
	EnableSleep    bool
	SleepThreshold float64
	CollisionSlop  float64
}

// 物理引擎：平面多刚体参考实现
type PhysicsEngine struct {
	space       *cp.Space
	config      PhysicsEngineConfig
	objects     []*PhysicsObject
	constraints []*cp.Constraint
	actuators   []actuator
	ctrl        []float64
	torques     []float64
	dims        bridge.Dims
	time        float64
	frameCount  uint64
}

// 默认配置
var DefaultConfig = PhysicsEngineConfig{
	Gravity:        cp.Vector{X: 0, Y: -9.81}, // 重力沿 -Z
	TimeStep:       1.0 / 240.0,
	Substeps:       4, // 每次 Step 推进 1/60 秒
	Iterations:     20,
	Damping:        1,
	EnableSleep:    false,
	SleepThreshold: 0.05,
	CollisionSlop:  0.001,
}

// 创建新的物理引擎
func NewPhysicsEngine(config PhysicsEngineConfig) *PhysicsEngine {
	if config.TimeStep == 0 {
		config.TimeStep = DefaultConfig.TimeStep
	}
	if config.Substeps == 0 {
		config.Substeps = DefaultConfig.Substeps
	}
	if config.Iterations == 0 {
		config.Iterations = DefaultConfig.Iterations
	}
	if config.Damping == 0 {
		config.Damping = DefaultConfig.Damping
	}

	engine := &PhysicsEngine{
		space:  cp.NewSpace(),
		config: config,
	}

	// 配置物理空间
	engine.space.SetGravity(config.Gravity)
	engine.space.SetDamping(config.Damping)
	engine.space.Iterations = uint(config.Iterations)
	engine.space.SetCollisionSlop(config.CollisionSlop)

	if config.EnableSleep {
		engine.space.IdleSpeedThreshold = config.SleepThreshold
		engine.space.SleepTimeThreshold = 0.5
	}

	return engine
}

// 推进一个控制周期（Substeps 个子步）
func (engine *PhysicsEngine) Step() error {
	dt := engine.config.TimeStep
	for i := 0; i < engine.config.Substeps; i++ {
		engine.applyTorques()
		engine.space.Step(dt)
	}
	engine.time += dt * float64(engine.config.Substeps)
	engine.frameCount++

	for _, obj := range engine.objects {
		if obj.ObjectType != ObjectTypeDynamic {
			continue
		}
		p := obj.Body.Position()
		if !finite(p.X) || !finite(p.Y) || !finite(obj.Body.Angle()) {
			return fmt.Errorf("%w: body %q at t=%.3f", ErrUnstable, obj.Name, engine.time)
		}
	}
	return nil
}

// 执行器力矩与关节阻尼。cp 每个子步后清零力矩，所以每个子步都重新施加
func (engine *PhysicsEngine) applyTorques() {
	t := engine.torques
	clear(t)

	for i, a := range engine.actuators {
		obj := engine.objects[a.object]
		tau := obj.sign * a.gear * engine.ctrl[i]
		t[obj.ID] += tau
		t[obj.Parent] -= tau
	}

	for _, obj := range engine.objects {
		if obj.Joint.Type != modelfile.JointHinge || obj.Joint.Damping == 0 {
			continue
		}
		tau := -obj.Joint.Damping * (obj.Body.AngularVelocity() - engine.parentBody(obj).AngularVelocity())
		t[obj.ID] += tau
		t[obj.Parent] -= tau
	}

	for i, obj := range engine.objects {
		if obj.ObjectType == ObjectTypeDynamic {
			obj.Body.SetTorque(t[i])
		}
	}
}

func (engine *PhysicsEngine) parentBody(obj *PhysicsObject) *cp.Body {
	if obj.Parent < 0 {
		return engine.space.StaticBody
	}
	return engine.objects[obj.Parent].Body
}

func (engine *PhysicsEngine) Dims() bridge.Dims {
	return engine.dims
}

// 仿真时间（秒）
func (engine *PhysicsEngine) Time() float64 {
	return engine.time
}

// 刚体世界位姿：平面内的位移与转角叠加在初始三维姿态上
func (engine *PhysicsEngine) BodyPose(id int) (pose.Pose, bool) {
	if id < 0 || id >= len(engine.objects) {
		return pose.Pose{}, false
	}
	obj := engine.objects[id]
	p := obj.Body.Position()
	rot := pose.AboutY(obj.Body.Angle() - obj.theta0).Mul(obj.rot0)
	return pose.New(mgl64.Vec3{p.X, obj.y0, p.Y}, rot), true
}

// 关节坐标：相对初始构型的转角
func (engine *PhysicsEngine) jointAngle(obj *PhysicsObject) float64 {
	rel := obj.Body.Angle() - engine.parentBody(obj).Angle()
	return obj.sign * (rel - obj.rel0)
}

func (engine *PhysicsEngine) jointRate(obj *PhysicsObject) float64 {
	return obj.sign * (obj.Body.AngularVelocity() - engine.parentBody(obj).AngularVelocity())
}

// 状态向量布局：free 关节 qpos 7 个（位置 + [w,x,y,z]）、qvel 6 个（世界系线速度 + 角速度）；
// hinge 关节各 1 个；sensordata 为每个执行器关节的角速度
func (engine *PhysicsEngine) ReadState(qpos, qvel, cfrcExt, sensors []float64) {
	qi, vi := 0, 0
	put := func(dst []float64, i *int, vals ...float64) {
		for _, v := range vals {
			if *i < len(dst) {
				dst[*i] = v
			}
			*i++
		}
	}

	for _, obj := range engine.objects {
		switch obj.Joint.Type {
		case modelfile.JointFree:
			p, _ := engine.BodyPose(obj.ID)
			q := p.EngineQuat()
			put(qpos, &qi, p.Pos[0], p.Pos[1], p.Pos[2], q[0], q[1], q[2], q[3])
			v := obj.Body.Velocity()
			put(qvel, &vi, v.X, 0, v.Y, 0, -obj.Body.AngularVelocity(), 0)
		case modelfile.JointHinge:
			put(qpos, &qi, engine.jointAngle(obj))
			put(qvel, &vi, engine.jointRate(obj))
		}
	}

	engine.contactForces(cfrcExt)

	si := 0
	for _, a := range engine.actuators {
		put(sensors, &si, engine.jointRate(engine.objects[a.object]))
	}
}

// 每个刚体受到的外部接触力（力矩 xyz，力 xyz），由上一子步的碰撞冲量换算
func (engine *PhysicsEngine) contactForces(out []float64) {
	clear(out)
	inv := 1 / engine.config.TimeStep

	for _, obj := range engine.objects {
		base := 6 * obj.ID
		if obj.ObjectType != ObjectTypeDynamic || base+6 > len(out) {
			continue
		}
		center := obj.Body.Position()
		obj.Body.EachArbiter(func(arb *cp.Arbiter) {
			f := arb.TotalImpulse().Mult(inv)

			var r cp.Vector
			set := arb.ContactPointSet()
			if set.Count > 0 {
				var sum cp.Vector
				for i := 0; i < set.Count; i++ {
					sum = sum.Add(set.Points[i].PointA)
				}
				r = sum.Mult(1 / float64(set.Count)).Sub(center)
			}

			// 平面内的力矩绕 -Y 轴
			out[base+1] -= r.Cross(f)
			out[base+3] += f.X
			out[base+5] += f.Y
		})
	}
}

// 设置下一步使用的控制向量
func (engine *PhysicsEngine) SetControl(ctrl []float64) {
	copy(engine.ctrl, ctrl)
}

// 获取物体
func (engine *PhysicsEngine) GetObject(id int) *PhysicsObject {
	if id < 0 || id >= len(engine.objects) {
		return nil
	}
	return engine.objects[id]
}

// 按名称获取物体
func (engine *PhysicsEngine) GetObjectByName(name string) *PhysicsObject {
	for _, obj := range engine.objects {
		if obj.Name == name {
			return obj
		}
	}
	return nil
}

// 获取帧计数
func (engine *PhysicsEngine) GetFrameCount() uint64 {
	return engine.frameCount
}

// 获取物体数量
func (engine *PhysicsEngine) GetObjectCount() int {
	return len(engine.objects)
}

// 设置重力
func (engine *PhysicsEngine) SetGravity(gx, gz float64) {
	engine.config.Gravity = cp.Vector{X: gx, Y: gz}
	engine.space.SetGravity(engine.config.Gravity)
}

// 获取重力
func (engine *PhysicsEngine) GetGravity() (float64, float64) {
	return engine.config.Gravity.X, engine.config.Gravity.Y
}

// 清理引擎
func (engine *PhysicsEngine) Cleanup() {
	for _, c := range engine.constraints {
		engine.space.RemoveConstraint(c)
	}
	for _, obj := range engine.objects {
		for _, s := range obj.Shapes {
			engine.space.RemoveShape(s)
		}
		if obj.ObjectType == ObjectTypeDynamic {
			engine.space.RemoveBody(obj.Body)
		}
	}
	engine.constraints = nil
	engine.objects = nil
	engine.actuators = nil

	log.Printf("物理引擎清理完成")
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
