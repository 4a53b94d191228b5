package physicalengine

import (
	"fmt"
	"log"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/jakecoffman/cp/v2"

	"mjbridge/bodytree"
	"mjbridge/bridge"
	"mjbridge/modelfile"
	"mjbridge/pose"
)

// 无限大平面在平面引擎中用足够长的静态线段表示
const planeHalfLength = 1000.0

const defaultFriction = 0.8

// 由模型描述创建物理引擎
func NewFromModel(config PhysicsEngineConfig, m *modelfile.Model) (*PhysicsEngine, error) {
	engine := NewPhysicsEngine(config)
	if err := engine.LoadModel(m); err != nil {
		engine.Cleanup()
		return nil, err
	}
	return engine, nil
}

// 加载模型：世界刚体映射为空间的静态刚体，其余刚体按父子顺序创建并用关节连接
func (engine *PhysicsEngine) LoadModel(m *modelfile.Model) error {
	if len(engine.objects) > 0 {
		return fmt.Errorf("physics engine already holds %d bodies", len(engine.objects))
	}

	tree, err := bodytree.Build(m.Records())
	if err != nil {
		return err
	}
	worlds := tree.WorldPoses()

	for _, b := range m.Bodies {
		var obj *PhysicsObject
		if b.Parent == bodytree.NoParent {
			obj = engine.createStatic(b)
		} else {
			obj = engine.createDynamic(b, worlds[b.ID], rootOf(m, b.ID))
		}
		engine.objects = append(engine.objects, obj)
		engine.attachJoint(obj)
	}

	dims := bridge.Dims{Bodies: len(engine.objects)}
	for _, obj := range engine.objects {
		switch obj.Joint.Type {
		case modelfile.JointFree:
			dims.Qpos += 7
			dims.Qvel += 6
		case modelfile.JointHinge:
			dims.Qpos++
			dims.Qvel++
		}
	}
	for _, a := range m.Actuators {
		engine.actuators = append(engine.actuators, actuator{object: a.Body, gear: a.Gear})
		dims.CtrlRange = append(dims.CtrlRange, a.CtrlRange)
	}
	dims.Actuators = len(engine.actuators)
	dims.Sensors = len(engine.actuators)

	engine.dims = dims
	engine.ctrl = make([]float64, dims.Actuators)
	engine.torques = make([]float64, len(engine.objects))

	log.Printf("物理引擎加载模型 %s: 刚体=%d, 约束=%d, 执行器=%d",
		m.Name, len(engine.objects), len(engine.constraints), dims.Actuators)
	return nil
}

// 同一条运动链（挂在世界刚体下的同一个子树）内的刚体互不碰撞
func rootOf(m *modelfile.Model, id int) int {
	for m.Bodies[id].Parent > 0 {
		id = m.Bodies[id].Parent
	}
	return id
}

func (engine *PhysicsEngine) createStatic(b modelfile.Body) *PhysicsObject {
	obj := &PhysicsObject{
		ID:         b.ID,
		Name:       b.Name,
		Parent:     b.Parent,
		Body:       engine.space.StaticBody,
		ObjectType: ObjectTypeStatic,
		rot0:       mgl64.QuatIdent(),
		sign:       1,
	}

	for i, g := range b.Geoms {
		shape := engine.createShape(obj.Body, g, pose.Identity(), 0)
		if shape == nil {
			continue
		}
		shape.SetFriction(friction(b.Friction, i))
		shape.SetElasticity(0)
		engine.space.AddShape(shape)
		obj.Shapes = append(obj.Shapes, shape)
	}
	return obj
}

func (engine *PhysicsEngine) createDynamic(b modelfile.Body, world pose.Pose, group int) *PhysicsObject {
	theta0 := world.PlanarAngle()

	// 没有碰撞几何体时使用点质量
	body := cp.NewBody(b.Mass, cp.MomentForCircle(b.Mass, 0, 0.05, cp.Vector{}))
	body.SetPosition(cp.Vector{X: world.Pos.X(), Y: world.Pos.Z()})
	body.SetAngle(theta0)
	engine.space.AddBody(body)

	obj := &PhysicsObject{
		ID:         b.ID,
		Name:       b.Name,
		Parent:     b.Parent,
		Body:       body,
		ObjectType: ObjectTypeDynamic,
		Joint:      b.Joint,
		y0:         world.Pos.Y(),
		theta0:     theta0,
		rot0:       world.Rot,
		sign:       1,
	}

	// 质量平均分配到参与碰撞的几何体上，由 cp 计算转动惯量和质心
	colliders := 0
	for _, g := range b.Geoms {
		if collides(g) {
			colliders++
		}
	}

	filter := cp.NewShapeFilter(uint(group), cp.ALL_CATEGORIES, cp.ALL_CATEGORIES)
	for i, g := range b.Geoms {
		shape := engine.createShape(body, g, world, theta0)
		if shape == nil {
			continue
		}
		shape.SetFriction(friction(b.Friction, i))
		shape.SetElasticity(0)
		shape.SetFilter(filter)
		engine.space.AddShape(shape)
		shape.SetMass(b.Mass / float64(colliders))
		obj.Shapes = append(obj.Shapes, shape)
	}

	if b.Joint.Type == modelfile.JointHinge {
		axis := world.Rot.Rotate(mgl64.Vec3(b.Joint.Axis))
		if math.Abs(axis.Y()) < 0.5 {
			log.Printf("刚体 %s 的铰链轴 %v 不垂直于运动平面，按 Y 轴处理", b.Name, b.Joint.Axis)
		}
		// 绕 +Y 的正转动在 X-Z 平面内是负转角
		if axis.Y() >= 0 {
			obj.sign = -1
		}
	}
	return obj
}

// 把三维几何体投影到刚体的平面局部坐标系。网格只用于渲染，返回 nil
func (engine *PhysicsEngine) createShape(body *cp.Body, g bodytree.Geom, world pose.Pose, theta0 float64) *cp.Shape {
	unrot := cp.ForAngle(-theta0)
	project := func(p mgl64.Vec3) cp.Vector {
		w := world.Rot.Rotate(g.Local.Pos.Add(g.Local.Rot.Rotate(p)))
		return cp.Vector{X: w.X(), Y: w.Z()}.Rotate(unrot)
	}

	switch g.Kind {
	case bodytree.GeomPlane:
		half := g.Size[0]
		if half <= 0 {
			half = planeHalfLength
		}
		c := project(mgl64.Vec3{})
		a := cp.Vector{X: c.X - half, Y: c.Y}
		b := cp.Vector{X: c.X + half, Y: c.Y}
		return cp.NewSegment(body, a, b, 0)
	case bodytree.GeomBox:
		c := project(mgl64.Vec3{})
		bb := cp.BB{L: c.X - g.Size[0], B: c.Y - g.Size[2], R: c.X + g.Size[0], T: c.Y + g.Size[2]}
		return cp.NewBox2(body, bb, 0)
	case bodytree.GeomSphere:
		c := project(mgl64.Vec3{})
		return cp.NewCircle(body, g.Size[0], c)
	case bodytree.GeomCapsule, bodytree.GeomCylinder:
		a := project(mgl64.Vec3{0, 0, -g.Size[1]})
		b := project(mgl64.Vec3{0, 0, g.Size[1]})
		return cp.NewSegment(body, a, b, g.Size[0])
	default:
		return nil
	}
}

func collides(g bodytree.Geom) bool {
	return g.Kind != bodytree.GeomMesh
}

func friction(values []float64, i int) float64 {
	if i < len(values) && values[i] > 0 {
		return values[i]
	}
	return defaultFriction
}

// 铰链：枢轴 + 可选限位；焊接：枢轴 + 零范围限位；自由关节不加约束
func (engine *PhysicsEngine) attachJoint(obj *PhysicsObject) {
	if obj.ObjectType != ObjectTypeDynamic || obj.Joint.Type == modelfile.JointFree {
		return
	}

	parent := engine.parentBody(obj)
	obj.rel0 = obj.Body.Angle() - parent.Angle()

	pivot := cp.NewPivotJoint(parent, obj.Body, obj.Body.Position())
	engine.addConstraint(pivot)

	switch obj.Joint.Type {
	case modelfile.JointWeld:
		engine.addConstraint(cp.NewRotaryLimitJoint(parent, obj.Body, obj.rel0, obj.rel0))
	case modelfile.JointHinge:
		if !obj.Joint.Limited() {
			return
		}
		lo := obj.rel0 + obj.sign*obj.Joint.Range[0]
		hi := obj.rel0 + obj.sign*obj.Joint.Range[1]
		if lo > hi {
			lo, hi = hi, lo
		}
		engine.addConstraint(cp.NewRotaryLimitJoint(parent, obj.Body, lo, hi))
	}
}

func (engine *PhysicsEngine) addConstraint(c *cp.Constraint) {
	engine.space.AddConstraint(c)
	engine.constraints = append(engine.constraints, c)
}
