package hostconnector

import (
	"errors"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mjbridge/bodytree"
	"mjbridge/bridge"
	"mjbridge/pose"
	"mjbridge/scenegraph"
)

var _ bridge.FrameObserver = (*ObjectSyncManager)(nil)
var _ TransformSource = (*scenegraph.Graph)(nil)

type recorder struct {
	frames []SyncFrame
	err    error
}

func (r *recorder) WriteFrame(f SyncFrame) error {
	if r.err != nil {
		return r.err
	}
	r.frames = append(r.frames, f)
	return nil
}

func setup(t *testing.T, config SyncConfig) (*scenegraph.Graph, []bridge.NodeID, *recorder, *ObjectSyncManager) {
	t.Helper()
	g := scenegraph.New()
	var nodes []bridge.NodeID
	for i := 0; i < 4; i++ {
		n, err := g.CreateNode(g.Root(), "body", pose.Identity())
		require.NoError(t, err)
		nodes = append(nodes, n)
	}

	rec := &recorder{}
	osm := NewObjectSyncManager(g, rec, config)
	for i, n := range nodes {
		require.True(t, osm.RegisterObject(i, n, 0, "body"))
	}
	return g, nodes, rec, osm
}

func moveTo(t *testing.T, g *scenegraph.Graph, n bridge.NodeID, x float64) {
	t.Helper()
	require.NoError(t, g.SetLocalTransform(n, pose.New(mgl64.Vec3{x, 0, 0}, mgl64.QuatIdent())))
}

func TestFirstFrameIsFull(t *testing.T) {
	_, _, rec, osm := setup(t, SyncConfig{FullSyncInterval: 5, ChangeThreshold: 0.9})
	osm.OnFrame(bridge.SimulationState{Time: 0.5})

	require.Len(t, rec.frames, 1)
	f := rec.frames[0]
	assert.True(t, f.Full())
	assert.Equal(t, 4, f.TotalObjects)
	assert.Len(t, f.Objects, 4)
	assert.Equal(t, 0.5, f.SimTime)
	assert.Equal(t, [4]float64{1, 0, 0, 0}, f.Objects[0].Rotation)
}

func TestDeltaOnlyChanged(t *testing.T) {
	g, nodes, rec, osm := setup(t, SyncConfig{FullSyncInterval: 5, ChangeThreshold: 0.9})
	osm.OnFrame(bridge.SimulationState{})

	// 无变化时不发送
	osm.OnFrame(bridge.SimulationState{})
	assert.Len(t, rec.frames, 1)

	moveTo(t, g, nodes[2], 3)
	osm.OnFrame(bridge.SimulationState{})
	require.Len(t, rec.frames, 2)
	f := rec.frames[1]
	assert.False(t, f.Full())
	require.Len(t, f.Objects, 1)
	assert.Equal(t, 2, f.Objects[0].Body)
	assert.Equal(t, [3]float64{3, 0, 0}, f.Objects[0].Position)
}

func TestPeriodicFullSync(t *testing.T) {
	g, nodes, rec, osm := setup(t, SyncConfig{FullSyncInterval: 3, ChangeThreshold: 0.9})
	for i := 0; i < 7; i++ {
		moveTo(t, g, nodes[0], float64(i+1))
		osm.OnFrame(bridge.SimulationState{})
	}

	require.Len(t, rec.frames, 7)
	var full []uint64
	for _, f := range rec.frames {
		if f.Full() {
			full = append(full, f.FrameNumber)
		}
	}
	assert.Equal(t, []uint64{1, 4, 7}, full)
}

func TestThresholdForcesFullSync(t *testing.T) {
	g, nodes, rec, osm := setup(t, SyncConfig{FullSyncInterval: 100, ChangeThreshold: 0.5})
	osm.OnFrame(bridge.SimulationState{})

	for i, n := range nodes[:3] {
		moveTo(t, g, n, float64(i+1))
	}
	osm.OnFrame(bridge.SimulationState{})
	require.Len(t, rec.frames, 2)
	assert.True(t, rec.frames[1].Full())
	assert.Len(t, rec.frames[1].Objects, 4)
}

func TestRemoveObject(t *testing.T) {
	_, nodes, rec, osm := setup(t, SyncConfig{FullSyncInterval: 100, ChangeThreshold: 0.9})
	osm.OnFrame(bridge.SimulationState{})

	require.True(t, osm.RemoveObject(uint64(nodes[1])))
	assert.False(t, osm.RemoveObject(uint64(nodes[1])))
	assert.False(t, osm.RemoveObject(999))

	osm.OnFrame(bridge.SimulationState{})
	require.Len(t, rec.frames, 2)
	f := rec.frames[1]
	require.Len(t, f.Objects, 1)
	assert.Equal(t, ObjectStateFlags(0), f.Objects[0].StateFlags)
	assert.Equal(t, 3, f.TotalObjects)
	assert.Len(t, osm.GetSnapshot().Objects, 3)
}

func TestSinkFailureRetries(t *testing.T) {
	g, nodes, rec, osm := setup(t, SyncConfig{FullSyncInterval: 100, ChangeThreshold: 0.9})
	osm.OnFrame(bridge.SimulationState{})

	rec.err = errors.New("closed")
	moveTo(t, g, nodes[3], 1)
	osm.OnFrame(bridge.SimulationState{})
	assert.Equal(t, []uint64{uint64(nodes[3])}, osm.GetSnapshot().Changed)

	rec.err = nil
	osm.OnFrame(bridge.SimulationState{})
	require.Len(t, rec.frames, 2)
	assert.Equal(t, 3, rec.frames[1].Objects[0].Body)
}

func TestDisableAndCallback(t *testing.T) {
	g, nodes, rec, osm := setup(t, SyncConfig{})
	var done []int
	osm.SetFrameCompleteCallback(func(_ uint64, n int) { done = append(done, n) })

	osm.EnableSync(false)
	osm.OnFrame(bridge.SimulationState{})
	assert.Empty(t, rec.frames)

	osm.EnableSync(true)
	moveTo(t, g, nodes[0], 2)
	osm.OnFrame(bridge.SimulationState{})
	assert.Equal(t, []int{4}, done)

	osm.Close()
	moveTo(t, g, nodes[0], 5)
	osm.OnFrame(bridge.SimulationState{})
	assert.Len(t, rec.frames, 1)
}

func TestRegisterNodeMap(t *testing.T) {
	tree, err := bodytree.Build([]bodytree.BodyRecord{
		{ID: 0, Parent: bodytree.NoParent, Name: "world", Local: pose.Identity()},
		{ID: 1, Parent: 0, Name: "torso", Local: pose.Identity()},
	})
	require.NoError(t, err)

	g := scenegraph.New()
	nodes, anchor, err := bridge.Spawn(tree, g, pose.ZUpToYUp())
	require.NoError(t, err)

	rec := &recorder{}
	osm := NewObjectSyncManager(g, rec, DefaultSyncConfig)
	n := osm.RegisterNodeMap(nodes, anchor, func(id int) string {
		node, _ := tree.Node(id)
		return node.Name
	})
	assert.Equal(t, 3, n)
	assert.False(t, osm.RegisterObject(0, 999, 0, "missing"))

	osm.OnFrame(bridge.SimulationState{})
	require.Len(t, rec.frames, 1)
	objs := rec.frames[0].Objects
	require.Len(t, objs, 3)

	// 锚节点携带坐标轴修正
	assert.Equal(t, AnchorBody, objs[0].Body)
	assert.Equal(t, bridge.AnchorName, objs[0].Name)
	assert.Equal(t, uint64(0), objs[0].Parent)
	assert.Equal(t, pose.ZUpToYUp().EngineQuat(), objs[0].Rotation)

	assert.Equal(t, uint64(anchor), objs[1].Parent)
	assert.Equal(t, "torso", objs[2].Name)
	assert.Equal(t, objs[1].ObjectID, objs[2].Parent)
}

// 只凭一帧完整同步数据，沿 parent 链组合局部变换，应得到与场景图一致的世界位姿
func TestFullFrameRebuildsWorldPoses(t *testing.T) {
	tree, err := bodytree.Build([]bodytree.BodyRecord{
		{ID: 0, Parent: bodytree.NoParent, Name: "world", Local: pose.Identity()},
		{ID: 1, Parent: 0, Name: "torso", Local: pose.New(mgl64.Vec3{0, 0, 1.25}, mgl64.QuatIdent())},
		{ID: 2, Parent: 1, Name: "thigh", Local: pose.New(mgl64.Vec3{0.1, 0, -0.2}, pose.AboutY(0.4))},
		{ID: 3, Parent: 2, Name: "leg", Local: pose.New(mgl64.Vec3{0, 0, -0.45}, pose.AboutY(-0.7))},
		{ID: 4, Parent: 1, Name: "arm", Local: pose.New(mgl64.Vec3{-0.3, 0, 0.1}, pose.AboutY(1.1))},
	})
	require.NoError(t, err)

	g := scenegraph.New()
	nodes, anchor, err := bridge.Spawn(tree, g, pose.ZUpToYUp())
	require.NoError(t, err)

	rec := &recorder{}
	osm := NewObjectSyncManager(g, rec, SyncConfig{FullSyncInterval: 2, ChangeThreshold: 1})
	osm.RegisterNodeMap(nodes, anchor, func(id int) string {
		node, _ := tree.Node(id)
		return node.Name
	})

	osm.OnFrame(bridge.SimulationState{})
	torso, _ := nodes.Node(1)
	require.NoError(t, g.SetLocalTransform(torso, pose.New(mgl64.Vec3{0.5, 0, 1.1}, pose.AboutY(0.2))))
	osm.OnFrame(bridge.SimulationState{})
	osm.OnFrame(bridge.SimulationState{})

	full := rec.frames[len(rec.frames)-1]
	require.True(t, full.Full())

	byID := make(map[uint64]ObjectSyncData, len(full.Objects))
	for _, obj := range full.Objects {
		byID[obj.ObjectID] = obj
	}
	var world func(id uint64) pose.Pose
	world = func(id uint64) pose.Pose {
		if id == 0 {
			return pose.Identity()
		}
		obj, ok := byID[id]
		require.True(t, ok, "父对象 %d 不在完整同步帧中", id)
		return world(obj.Parent).Compose(pose.FromEngine(obj.Position, obj.Rotation))
	}

	for _, obj := range full.Objects {
		want, err := g.WorldTransform(bridge.NodeID(obj.ObjectID))
		require.NoError(t, err)
		assert.True(t, world(obj.ObjectID).ApproxEqual(want, 1e-9), "对象 %s", obj.Name)
	}
}
