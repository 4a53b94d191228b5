package scenegraph

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mjbridge/bodytree"
	"mjbridge/bridge"
	"mjbridge/pose"
)

var _ bridge.SceneGraph = (*Graph)(nil)
var _ bridge.ShapeAttacher = (*Graph)(nil)

func TestCreateAndWorldTransform(t *testing.T) {
	g := New()
	a, err := g.CreateNode(g.Root(), "a", pose.New(mgl64.Vec3{1, 0, 0}, mgl64.QuatIdent()))
	require.NoError(t, err)
	b, err := g.CreateNode(a, "b", pose.New(mgl64.Vec3{0, 1, 0}, mgl64.QuatIdent()))
	require.NoError(t, err)

	w, err := g.WorldTransform(b)
	require.NoError(t, err)
	assert.True(t, w.Pos.ApproxEqual(mgl64.Vec3{1, 1, 0}))

	id, ok := g.Find(a, "b")
	require.True(t, ok)
	assert.Equal(t, b, id)
	assert.Equal(t, 3, g.Len())
}

func TestWorldTransformRotatedParent(t *testing.T) {
	g := New()
	rot := mgl64.QuatRotate(mgl64.DegToRad(90), mgl64.Vec3{0, 0, 1})
	a, _ := g.CreateNode(g.Root(), "a", pose.New(mgl64.Vec3{0, 0, 0}, rot))
	b, _ := g.CreateNode(a, "b", pose.New(mgl64.Vec3{1, 0, 0}, mgl64.QuatIdent()))

	w, err := g.WorldTransform(b)
	require.NoError(t, err)
	assert.InDelta(t, 0, w.Pos.X(), 1e-12)
	assert.InDelta(t, 1, w.Pos.Y(), 1e-12)
}

func TestUnknownParent(t *testing.T) {
	g := New()
	_, err := g.CreateNode(42, "x", pose.Identity())
	assert.ErrorIs(t, err, ErrUnknownNode)
	assert.ErrorIs(t, g.SetLocalTransform(42, pose.Identity()), ErrUnknownNode)
	assert.ErrorIs(t, g.SetLocalTransform(g.Root(), pose.Identity()), ErrRootNode)
	assert.ErrorIs(t, g.RemoveNode(g.Root()), ErrRootNode)
}

func TestRemoveSubtree(t *testing.T) {
	g := New()
	a, _ := g.CreateNode(g.Root(), "a", pose.Identity())
	b, _ := g.CreateNode(a, "b", pose.Identity())
	_, _ = g.CreateNode(b, "c", pose.Identity())
	keep, _ := g.CreateNode(g.Root(), "keep", pose.Identity())

	require.NoError(t, g.RemoveNode(a))
	assert.Equal(t, 2, g.Len())

	root, _ := g.Node(g.Root())
	assert.Equal(t, []bridge.NodeID{keep}, root.Children)
	_, ok := g.Node(b)
	assert.False(t, ok)
}

func TestFailAfter(t *testing.T) {
	g := New()
	g.FailAfter = 2
	_, err := g.CreateNode(g.Root(), "a", pose.Identity())
	require.NoError(t, err)
	_, err = g.CreateNode(g.Root(), "b", pose.Identity())
	assert.Error(t, err)
	assert.Equal(t, 2, g.Len())

	// 只有第 FailAfter 次失败，之后的调用照常成功
	_, err = g.CreateNode(g.Root(), "c", pose.Identity())
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())
}

func TestAttachShape(t *testing.T) {
	g := New()
	a, _ := g.CreateNode(g.Root(), "geom", pose.Identity())
	require.NoError(t, g.AttachShape(a, bodytree.Geom{Name: "g", Kind: bodytree.GeomBox, Size: [3]float64{1, 2, 3}}))

	n, ok := g.Node(a)
	require.True(t, ok)
	require.NotNil(t, n.Shape)
	assert.Equal(t, bodytree.GeomBox, n.Shape.Kind)
}

func TestWalkOrder(t *testing.T) {
	g := New()
	a, _ := g.CreateNode(g.Root(), "a", pose.Identity())
	_, _ = g.CreateNode(a, "a1", pose.Identity())
	_, _ = g.CreateNode(g.Root(), "b", pose.Identity())

	var names []string
	require.NoError(t, g.Walk(g.Root(), func(n Node, _ int) error {
		names = append(names, n.Name)
		return nil
	}))
	assert.Equal(t, []string{"root", "a", "a1", "b"}, names)
}

func TestTakeDirty(t *testing.T) {
	g := New()
	a, _ := g.CreateNode(g.Root(), "a", pose.Identity())
	assert.Len(t, g.TakeDirty(), 1)
	assert.Empty(t, g.TakeDirty())

	require.NoError(t, g.SetLocalTransform(a, pose.Identity()))
	assert.Empty(t, g.TakeDirty())

	moved := pose.New(mgl64.Vec3{0, 0, 1}, mgl64.QuatIdent())
	require.NoError(t, g.SetLocalTransform(a, moved))
	dirty := g.TakeDirty()
	require.Contains(t, dirty, a)
	assert.Equal(t, moved, dirty[a])
	assert.Len(t, g.Locals(), 1)
}
