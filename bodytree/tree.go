package bodytree

import (
	"errors"
	"fmt"

	"mjbridge/pose"
)

// NoParent 根刚体的父索引哨兵值（父坐标系为世界坐标系）
const NoParent = -1

// ErrMalformedHierarchy 父索引缺失、重复或指向尚未出现的刚体
var ErrMalformedHierarchy = errors.New("malformed body hierarchy")

// GeomKind 几何体类型
type GeomKind string

const (
	GeomPlane    GeomKind = "plane"
	GeomBox      GeomKind = "box"
	GeomSphere   GeomKind = "sphere"
	GeomCapsule  GeomKind = "capsule"
	GeomCylinder GeomKind = "cylinder"
	GeomMesh     GeomKind = "mesh"
)

// Geom 刚体上挂载的几何体（渲染用），位姿相对于所属刚体
type Geom struct {
	Name  string
	Kind  GeomKind
	Size  [3]float64
	Local pose.Pose
	RGBA  [4]float32
	Mesh  string // 网格文件路径，仅 GeomMesh 使用
}

// BodyRecord 物理引擎提供的扁平刚体记录
type BodyRecord struct {
	ID     int
	Parent int
	Name   string
	Local  pose.Pose
	Geoms  []Geom
}

// Node 树节点。Children 按插入顺序保存子刚体的索引，Parent 仅为反向引用
type Node struct {
	ID       int
	Parent   int
	Name     string
	Local    pose.Pose
	Geoms    []Geom
	Children []int
}

// Tree 以刚体索引为下标的节点数组（arena），可以包含多个根（森林）
type Tree struct {
	nodes   []Node
	present []bool
	roots   []int
	order   []int // 记录的原始顺序
}

// Build 单遍构建刚体树。父节点必须在子节点之前出现
func Build(records []BodyRecord) (*Tree, error) {
	t := &Tree{order: make([]int, 0, len(records))}

	for i, rec := range records {
		if rec.ID < 0 {
			return nil, fmt.Errorf("%w: record %d has negative id %d", ErrMalformedHierarchy, i, rec.ID)
		}
		if t.Has(rec.ID) {
			return nil, fmt.Errorf("%w: duplicate body id %d", ErrMalformedHierarchy, rec.ID)
		}
		if rec.Parent != NoParent && !t.Has(rec.Parent) {
			return nil, fmt.Errorf("%w: body %d references parent %d which has not been seen",
				ErrMalformedHierarchy, rec.ID, rec.Parent)
		}

		t.grow(rec.ID)
		t.nodes[rec.ID] = Node{
			ID:     rec.ID,
			Parent: rec.Parent,
			Name:   rec.Name,
			Local:  rec.Local,
			Geoms:  rec.Geoms,
		}
		t.present[rec.ID] = true
		t.order = append(t.order, rec.ID)

		if rec.Parent == NoParent {
			t.roots = append(t.roots, rec.ID)
		} else {
			parent := &t.nodes[rec.Parent]
			parent.Children = append(parent.Children, rec.ID)
		}
	}

	return t, nil
}

func (t *Tree) grow(id int) {
	if id < len(t.nodes) {
		return
	}
	n := id + 1
	nodes := make([]Node, n)
	copy(nodes, t.nodes)
	present := make([]bool, n)
	copy(present, t.present)
	t.nodes, t.present = nodes, present
}

// Has 判断索引是否存在
func (t *Tree) Has(id int) bool {
	return id >= 0 && id < len(t.present) && t.present[id]
}

// Node 按索引获取节点
func (t *Tree) Node(id int) (*Node, bool) {
	if !t.Has(id) {
		return nil, false
	}
	return &t.nodes[id], true
}

// Roots 返回所有根节点索引，按源顺序
func (t *Tree) Roots() []int {
	return t.roots
}

// Len 节点数量
func (t *Tree) Len() int {
	return len(t.order)
}

// MaxID 返回最大的刚体索引，空树返回 -1
func (t *Tree) MaxID() int {
	return len(t.nodes) - 1
}

// Order 返回记录的原始顺序
func (t *Tree) Order() []int {
	return t.order
}

// Walk 深度优先先序遍历，父节点总在子节点之前访问
func (t *Tree) Walk(fn func(n *Node, depth int) error) error {
	for _, root := range t.roots {
		if err := t.walk(root, 0, fn); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) walk(id, depth int, fn func(n *Node, depth int) error) error {
	n := &t.nodes[id]
	if err := fn(n, depth); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := t.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// Edge 父子关系
type Edge struct {
	Parent int
	Child  int
}

// Flatten 按深度优先顺序展开父子关系，根节点的 Parent 为 NoParent
func (t *Tree) Flatten() []Edge {
	edges := make([]Edge, 0, t.Len())
	_ = t.Walk(func(n *Node, _ int) error {
		edges = append(edges, Edge{Parent: n.Parent, Child: n.ID})
		return nil
	})
	return edges
}

// WorldPoses 由局部位姿正向计算每个刚体的世界位姿，下标为刚体索引
func (t *Tree) WorldPoses() []pose.Pose {
	worlds := make([]pose.Pose, len(t.nodes))
	_ = t.Walk(func(n *Node, _ int) error {
		if n.Parent == NoParent {
			worlds[n.ID] = n.Local
		} else {
			worlds[n.ID] = worlds[n.Parent].Compose(n.Local)
		}
		return nil
	})
	return worlds
}
