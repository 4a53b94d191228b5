package bridge

import (
	"fmt"
	"log"

	"mjbridge/bodytree"
	"mjbridge/pose"
)

// 锚节点名称，模型的所有场景节点都挂在它下面
const AnchorName = "mujoco"

type link struct {
	node   NodeID
	parent int
	ok     bool
}

// NodeMap 刚体索引到场景节点的映射，加载后只读
type NodeMap struct {
	links []link
	ids   []int // 生成顺序（深度优先）
}

func newNodeMap(size int) *NodeMap {
	return &NodeMap{
		links: make([]link, size),
		ids:   make([]int, 0, size),
	}
}

func (m *NodeMap) set(id int, node NodeID, parent int) {
	m.links[id] = link{node: node, parent: parent, ok: true}
	m.ids = append(m.ids, id)
}

// Node 返回刚体对应的场景节点
func (m *NodeMap) Node(id int) (NodeID, bool) {
	if id < 0 || id >= len(m.links) || !m.links[id].ok {
		return 0, false
	}
	return m.links[id].node, true
}

// Parent 返回刚体的父索引，根刚体返回 bodytree.NoParent
func (m *NodeMap) Parent(id int) int {
	return m.links[id].parent
}

// Len 已映射的刚体数量
func (m *NodeMap) Len() int {
	return len(m.ids)
}

// IDs 按生成顺序返回所有刚体索引
func (m *NodeMap) IDs() []int {
	return m.ids
}

// Size 索引空间大小（最大索引 + 1）
func (m *NodeMap) Size() int {
	return len(m.links)
}

// Spawn 深度优先地把刚体树实例化到场景图中，父节点总是先于子节点创建。
// 所有节点都创建在一个锚节点下；任何一步失败都会删除锚节点，不留下部分场景
func Spawn(tree *bodytree.Tree, scene SceneGraph, anchorPose pose.Pose) (*NodeMap, NodeID, error) {
	anchor, err := scene.CreateNode(scene.Root(), AnchorName, anchorPose)
	if err != nil {
		return nil, 0, fmt.Errorf("create anchor node: %w", err)
	}

	m := newNodeMap(tree.MaxID() + 1)
	attacher, _ := scene.(ShapeAttacher)

	err = tree.Walk(func(n *bodytree.Node, _ int) error {
		parent := anchor
		if n.Parent != bodytree.NoParent {
			parent = m.links[n.Parent].node
		}

		node, err := scene.CreateNode(parent, bodyNodeName(n), n.Local)
		if err != nil {
			return fmt.Errorf("create node for body %d: %w", n.ID, err)
		}
		m.set(n.ID, node, n.Parent)

		for i, g := range n.Geoms {
			gn, err := scene.CreateNode(node, geomNodeName(n, g, i), g.Local)
			if err != nil {
				return fmt.Errorf("create geom %d of body %d: %w", i, n.ID, err)
			}
			if attacher == nil {
				continue
			}
			if err := attacher.AttachShape(gn, g); err != nil {
				return fmt.Errorf("attach geom %d of body %d: %w", i, n.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		if rmErr := scene.RemoveNode(anchor); rmErr != nil {
			log.Printf("回滚场景节点失败: %v", rmErr)
		}
		return nil, 0, err
	}

	return m, anchor, nil
}

func bodyNodeName(n *bodytree.Node) string {
	if n.Name != "" {
		return "body::" + n.Name
	}
	return fmt.Sprintf("body::%d", n.ID)
}

func geomNodeName(n *bodytree.Node, g bodytree.Geom, i int) string {
	if g.Name != "" {
		return "geom::" + g.Name
	}
	return fmt.Sprintf("geom::%d_%d", n.ID, i)
}
