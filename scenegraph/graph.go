// Package scenegraph 进程内的宿主场景图：节点只保存相对父节点的局部变换
package scenegraph

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"mjbridge/bodytree"
	"mjbridge/bridge"
	"mjbridge/pose"
)

var (
	ErrUnknownNode = errors.New("unknown scene node")
	ErrRootNode    = errors.New("scene root cannot be modified")
)

// RootID 场景根节点，始终存在
const RootID bridge.NodeID = 1

// Node 场景节点快照
type Node struct {
	ID       bridge.NodeID
	Parent   bridge.NodeID
	Name     string
	Local    pose.Pose
	Shape    *bodytree.Geom
	Children []bridge.NodeID
}

type node struct {
	parent   bridge.NodeID
	name     string
	local    pose.Pose
	shape    *bodytree.Geom
	children []bridge.NodeID
	dirty    bool
}

// Graph 线程安全的场景图，实现 bridge.SceneGraph 和 bridge.ShapeAttacher
type Graph struct {
	mu     sync.RWMutex
	nodes  map[bridge.NodeID]*node
	nextID bridge.NodeID

	// FailAfter 大于 0 时，仅第 FailAfter 次 CreateNode 调用失败，用于模拟宿主拒绝
	FailAfter int
	created   int
}

// New 创建只有根节点的场景图
func New() *Graph {
	g := &Graph{
		nodes:  make(map[bridge.NodeID]*node),
		nextID: RootID + 1,
	}
	g.nodes[RootID] = &node{name: "root", local: pose.Identity()}
	return g
}

func (g *Graph) Root() bridge.NodeID {
	return RootID
}

func (g *Graph) CreateNode(parent bridge.NodeID, name string, local pose.Pose) (bridge.NodeID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.nodes[parent]
	if !ok {
		return 0, fmt.Errorf("%w: parent %d", ErrUnknownNode, parent)
	}
	g.created++
	if g.FailAfter > 0 && g.created == g.FailAfter {
		return 0, fmt.Errorf("create node %q: host rejected node", name)
	}

	id := g.nextID
	g.nextID++
	g.nodes[id] = &node{parent: parent, name: name, local: local, dirty: true}
	p.children = append(p.children, id)
	return id, nil
}

func (g *Graph) SetLocalTransform(id bridge.NodeID, local pose.Pose) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if id == RootID {
		return ErrRootNode
	}
	if n.local != local {
		n.dirty = true
	}
	n.local = local
	return nil
}

// RemoveNode 删除节点及其子树
func (g *Graph) RemoveNode(id bridge.NodeID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	if id == RootID {
		return ErrRootNode
	}

	if p, ok := g.nodes[n.parent]; ok {
		for i, c := range p.children {
			if c == id {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
	}

	removed := 0
	stack := []bridge.NodeID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if c, ok := g.nodes[cur]; ok {
			stack = append(stack, c.children...)
			delete(g.nodes, cur)
			removed++
		}
	}
	log.Printf("删除场景节点 %d 及其子树，共 %d 个节点", id, removed)
	return nil
}

// AttachShape 为节点挂载几何体描述
func (g *Graph) AttachShape(id bridge.NodeID, geom bodytree.Geom) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, id)
	}
	shape := geom
	n.shape = &shape
	return nil
}

// Len 节点总数（含根节点）
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node 返回节点快照
func (g *Graph) Node(id bridge.NodeID) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return snapshot(id, n), true
}

// LocalTransform 返回节点当前的局部变换
func (g *Graph) LocalTransform(id bridge.NodeID) (pose.Pose, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n, ok := g.nodes[id]
	if !ok {
		return pose.Pose{}, false
	}
	return n.local, true
}

// Find 在 parent 的直接子节点中按名称查找
func (g *Graph) Find(parent bridge.NodeID, name string) (bridge.NodeID, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	p, ok := g.nodes[parent]
	if !ok {
		return 0, false
	}
	for _, c := range p.children {
		if g.nodes[c].name == name {
			return c, true
		}
	}
	return 0, false
}

// WorldTransform 从根节点开始组合局部变换，得到节点的世界位姿
func (g *Graph) WorldTransform(id bridge.NodeID) (pose.Pose, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var chain []pose.Pose
	for cur := id; cur != RootID; {
		n, ok := g.nodes[cur]
		if !ok {
			return pose.Pose{}, fmt.Errorf("%w: %d", ErrUnknownNode, cur)
		}
		chain = append(chain, n.local)
		cur = n.parent
	}

	w := pose.Identity()
	for i := len(chain) - 1; i >= 0; i-- {
		w = w.Compose(chain[i])
	}
	return w, nil
}

// Walk 深度优先遍历 from 的子树，子节点按创建顺序访问
func (g *Graph) Walk(from bridge.NodeID, fn func(n Node, depth int) error) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownNode, from)
	}
	return g.walk(from, 0, fn)
}

func (g *Graph) walk(id bridge.NodeID, depth int, fn func(n Node, depth int) error) error {
	n := g.nodes[id]
	if err := fn(snapshot(id, n), depth); err != nil {
		return err
	}
	for _, c := range n.children {
		if err := g.walk(c, depth+1, fn); err != nil {
			return err
		}
	}
	return nil
}

// TakeDirty 返回自上次调用以来局部变换发生变化的节点，并清除标记
func (g *Graph) TakeDirty() map[bridge.NodeID]pose.Pose {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[bridge.NodeID]pose.Pose)
	for id, n := range g.nodes {
		if n.dirty {
			out[id] = n.local
			n.dirty = false
		}
	}
	return out
}

// Locals 返回所有非根节点的局部变换
func (g *Graph) Locals() map[bridge.NodeID]pose.Pose {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[bridge.NodeID]pose.Pose, len(g.nodes))
	for id, n := range g.nodes {
		if id != RootID {
			out[id] = n.local
		}
	}
	return out
}

func snapshot(id bridge.NodeID, n *node) Node {
	return Node{
		ID:       id,
		Parent:   n.parent,
		Name:     n.name,
		Local:    n.local,
		Shape:    n.shape,
		Children: append([]bridge.NodeID(nil), n.children...),
	}
}
