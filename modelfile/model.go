// Package modelfile 读取 YAML 模型描述（刚体、关节、几何体、执行器），
// 生成刚体记录并校验资源目录中的网格文件
package modelfile

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"mjbridge/bodytree"
	"mjbridge/pose"
)

// WorldName 隐式的世界刚体，索引固定为 0
const WorldName = "world"

// ErrInvalidModel 模型描述无法解析或不满足约束
var ErrInvalidModel = errors.New("invalid model")

// JointType 关节类型
type JointType string

const (
	JointFree  JointType = "free"
	JointHinge JointType = "hinge"
	JointWeld  JointType = "weld"
)

// Joint 连接刚体与父刚体的关节。缺省为 weld（刚性固定）
type Joint struct {
	Name    string     `yaml:"name"`
	Type    JointType  `yaml:"type" validate:"omitempty,oneof=free hinge weld"`
	Axis    [3]float64 `yaml:"axis"`
	Range   [2]float64 `yaml:"range"`
	Damping float64    `yaml:"damping" validate:"gte=0"`
}

// Limited 是否设置了关节限位
func (j Joint) Limited() bool {
	return j.Range[0] < j.Range[1]
}

// GeomSpec 几何体描述，位姿相对所属刚体
type GeomSpec struct {
	Name     string     `yaml:"name"`
	Type     string     `yaml:"type" validate:"required,oneof=plane box sphere capsule cylinder mesh"`
	Size     [3]float64 `yaml:"size"`
	Pos      [3]float64 `yaml:"pos"`
	Quat     [4]float64 `yaml:"quat"`
	RGBA     [4]float32 `yaml:"rgba"`
	Mesh     string     `yaml:"mesh" validate:"required_if=Type mesh"`
	Friction float64    `yaml:"friction" validate:"gte=0"`
}

// BodySpec 刚体描述。Quat 为物理引擎顺序 [w, x, y, z]
type BodySpec struct {
	Name   string     `yaml:"name" validate:"required"`
	Parent string     `yaml:"parent"`
	Pos    [3]float64 `yaml:"pos"`
	Quat   [4]float64 `yaml:"quat"`
	Mass   float64    `yaml:"mass" validate:"gte=0"`
	Joint  Joint      `yaml:"joint"`
	Geoms  []GeomSpec `yaml:"geoms" validate:"dive"`
}

// ActuatorSpec 作用于铰链关节的力矩执行器
type ActuatorSpec struct {
	Name      string     `yaml:"name" validate:"required"`
	Joint     string     `yaml:"joint" validate:"required"`
	Gear      float64    `yaml:"gear"`
	CtrlRange [2]float64 `yaml:"ctrlrange"`
}

// Spec YAML 文件的顶层结构
type Spec struct {
	Name      string         `yaml:"name" validate:"required"`
	World     []GeomSpec     `yaml:"world" validate:"dive"`
	Bodies    []BodySpec     `yaml:"bodies" validate:"required,min=1,dive"`
	Actuators []ActuatorSpec `yaml:"actuators" validate:"dive"`
}

// Body 解析后的刚体。Local 为相对父刚体的初始位姿
type Body struct {
	ID     int
	Parent int
	Name   string
	Local  pose.Pose
	Mass   float64
	Joint  Joint
	Geoms  []bodytree.Geom

	// Friction 与 Geoms 一一对应
	Friction []float64
}

// Actuator 解析后的执行器
type Actuator struct {
	Name      string
	Body      int // 关节所在刚体的索引
	Gear      float64
	CtrlRange [2]float64
}

// Model 解析后的模型。Bodies[0] 是世界刚体
type Model struct {
	Name      string
	Bodies    []Body
	Actuators []Actuator
}

var validate = validator.New()

// Load 读取并解析模型文件。assetDir 为空时使用模型文件所在目录
func Load(path, assetDir string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model file: %w", err)
	}
	if assetDir == "" {
		assetDir = filepath.Dir(path)
	}

	m, err := Parse(data, assetDir)
	if err != nil {
		return nil, err
	}
	log.Printf("加载模型 %s: %d 个刚体, %d 个执行器", m.Name, len(m.Bodies), len(m.Actuators))
	return m, nil
}

// Parse 解析模型描述。网格文件必须存在于 assetDir 中
func Parse(data []byte, assetDir string) (*Model, error) {
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if err := validate.Struct(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return build(&spec, assetDir)
}

func build(spec *Spec, assetDir string) (*Model, error) {
	m := &Model{Name: spec.Name}
	ids := map[string]int{WorldName: 0}

	world := Body{ID: 0, Parent: bodytree.NoParent, Name: WorldName, Local: pose.Identity()}
	for i, g := range spec.World {
		geom, err := convertGeom(g, assetDir)
		if err != nil {
			return nil, fmt.Errorf("%w: world geom %d: %v", ErrInvalidModel, i, err)
		}
		world.Geoms = append(world.Geoms, geom)
		world.Friction = append(world.Friction, g.Friction)
	}
	m.Bodies = append(m.Bodies, world)

	for _, b := range spec.Bodies {
		if _, dup := ids[b.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate body %q", ErrInvalidModel, b.Name)
		}
		parentName := b.Parent
		if parentName == "" {
			parentName = WorldName
		}
		// 父刚体必须先于子刚体出现
		parent, ok := ids[parentName]
		if !ok {
			return nil, fmt.Errorf("%w: body %q references unknown or later parent %q", ErrInvalidModel, b.Name, parentName)
		}

		joint := b.Joint
		if joint.Type == "" {
			joint.Type = JointWeld
		}
		if joint.Type == JointFree && parent != 0 {
			return nil, fmt.Errorf("%w: free joint on body %q must be attached to %s", ErrInvalidModel, b.Name, WorldName)
		}
		if joint.Type == JointHinge && joint.Axis == ([3]float64{}) {
			joint.Axis = [3]float64{0, 1, 0}
		}

		mass := b.Mass
		if mass == 0 {
			mass = 1
		}

		body := Body{
			ID:     len(m.Bodies),
			Parent: parent,
			Name:   b.Name,
			Local:  pose.FromEngine(b.Pos, quatOrIdent(b.Quat)),
			Mass:   mass,
			Joint:  joint,
		}
		for i, g := range b.Geoms {
			geom, err := convertGeom(g, assetDir)
			if err != nil {
				return nil, fmt.Errorf("%w: body %q geom %d: %v", ErrInvalidModel, b.Name, i, err)
			}
			body.Geoms = append(body.Geoms, geom)
			body.Friction = append(body.Friction, g.Friction)
		}

		ids[b.Name] = body.ID
		m.Bodies = append(m.Bodies, body)
	}

	for _, a := range spec.Actuators {
		// 先按关节名查找，也允许按刚体名引用
		id, ok := jointOwner(m, a.Joint)
		if bid, byBody := ids[a.Joint]; byBody {
			if ok && bid != id {
				return nil, fmt.Errorf("%w: actuator %q target %q is ambiguous: joint of body %q and body %q",
					ErrInvalidModel, a.Name, a.Joint, m.Bodies[id].Name, m.Bodies[bid].Name)
			}
			id, ok = bid, true
		}
		if !ok || id == 0 {
			return nil, fmt.Errorf("%w: actuator %q references unknown joint %q", ErrInvalidModel, a.Name, a.Joint)
		}
		if m.Bodies[id].Joint.Type != JointHinge {
			return nil, fmt.Errorf("%w: actuator %q requires a hinge joint, body %q has %s",
				ErrInvalidModel, a.Name, m.Bodies[id].Name, m.Bodies[id].Joint.Type)
		}
		gear := a.Gear
		if gear == 0 {
			gear = 1
		}
		m.Actuators = append(m.Actuators, Actuator{Name: a.Name, Body: id, Gear: gear, CtrlRange: a.CtrlRange})
	}
	return m, nil
}

func jointOwner(m *Model, name string) (int, bool) {
	for _, b := range m.Bodies {
		if b.Joint.Name != "" && b.Joint.Name == name {
			return b.ID, true
		}
	}
	return 0, false
}

func convertGeom(g GeomSpec, assetDir string) (bodytree.Geom, error) {
	geom := bodytree.Geom{
		Name:  g.Name,
		Kind:  bodytree.GeomKind(g.Type),
		Size:  g.Size,
		Local: pose.FromEngine(g.Pos, quatOrIdent(g.Quat)),
		RGBA:  g.RGBA,
	}
	if geom.RGBA == ([4]float32{}) {
		geom.RGBA = [4]float32{0.5, 0.5, 0.5, 1}
	}
	if geom.Kind == bodytree.GeomMesh {
		p := filepath.Join(assetDir, g.Mesh)
		if _, err := os.Stat(p); err != nil {
			return geom, fmt.Errorf("mesh asset %q: %w", g.Mesh, err)
		}
		geom.Mesh = p
	}
	return geom, nil
}

func quatOrIdent(q [4]float64) [4]float64 {
	if q == ([4]float64{}) {
		return [4]float64{1, 0, 0, 0}
	}
	n := mgl64.Quat{W: q[0], V: mgl64.Vec3{q[1], q[2], q[3]}}.Len()
	if n == 0 {
		return [4]float64{1, 0, 0, 0}
	}
	return [4]float64{q[0] / n, q[1] / n, q[2] / n, q[3] / n}
}

// Records 生成刚体树构建所需的扁平记录
func (m *Model) Records() []bodytree.BodyRecord {
	out := make([]bodytree.BodyRecord, len(m.Bodies))
	for i, b := range m.Bodies {
		out[i] = bodytree.BodyRecord{
			ID:     b.ID,
			Parent: b.Parent,
			Name:   b.Name,
			Local:  b.Local,
			Geoms:  b.Geoms,
		}
	}
	return out
}
