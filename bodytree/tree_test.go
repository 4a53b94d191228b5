package bodytree_test

import (
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mjbridge/bodytree"
	"mjbridge/pose"
)

func at(x, y, z float64) pose.Pose {
	return pose.New(mgl64.Vec3{x, y, z}, mgl64.QuatIdent())
}

func TestBuildChain(t *testing.T) {
	tree, err := bodytree.Build([]bodytree.BodyRecord{
		{ID: 0, Parent: bodytree.NoParent, Local: at(0, 0, 0)},
		{ID: 1, Parent: 0, Local: at(1, 0, 0)},
		{ID: 2, Parent: 1, Local: at(0, 1, 0)},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0}, tree.Roots())
	assert.Equal(t, 3, tree.Len())

	n0, ok := tree.Node(0)
	require.True(t, ok)
	assert.Equal(t, []int{1}, n0.Children)

	n1, _ := tree.Node(1)
	assert.Equal(t, []int{2}, n1.Children)
	assert.Equal(t, 0, n1.Parent)

	n2, _ := tree.Node(2)
	assert.Empty(t, n2.Children)

	worlds := tree.WorldPoses()
	assert.Equal(t, mgl64.Vec3{1, 1, 0}, worlds[2].Pos)
}

func TestBuildKeepsSiblingOrder(t *testing.T) {
	tree, err := bodytree.Build([]bodytree.BodyRecord{
		{ID: 0, Parent: bodytree.NoParent},
		{ID: 3, Parent: 0},
		{ID: 1, Parent: 0},
		{ID: 2, Parent: 0},
	})
	require.NoError(t, err)

	root, _ := tree.Node(0)
	assert.Equal(t, []int{3, 1, 2}, root.Children)
	assert.Equal(t, 3, tree.MaxID())
}

func TestBuildForest(t *testing.T) {
	tree, err := bodytree.Build([]bodytree.BodyRecord{
		{ID: 0, Parent: bodytree.NoParent},
		{ID: 1, Parent: bodytree.NoParent},
		{ID: 2, Parent: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, tree.Roots())
}

func TestBuildMalformed(t *testing.T) {
	tests := []struct {
		name    string
		records []bodytree.BodyRecord
	}{
		{
			name: "forward reference",
			records: []bodytree.BodyRecord{
				{ID: 0, Parent: bodytree.NoParent},
				{ID: 1, Parent: 2},
				{ID: 2, Parent: 0},
			},
		},
		{
			name: "missing parent",
			records: []bodytree.BodyRecord{
				{ID: 0, Parent: bodytree.NoParent},
				{ID: 1, Parent: 7},
			},
		},
		{
			name: "self parent",
			records: []bodytree.BodyRecord{
				{ID: 0, Parent: 0},
			},
		},
		{
			name: "duplicate id",
			records: []bodytree.BodyRecord{
				{ID: 0, Parent: bodytree.NoParent},
				{ID: 0, Parent: bodytree.NoParent},
			},
		},
		{
			name: "negative id",
			records: []bodytree.BodyRecord{
				{ID: -3, Parent: bodytree.NoParent},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := bodytree.Build(tt.records)
			assert.Nil(t, tree)
			assert.ErrorIs(t, err, bodytree.ErrMalformedHierarchy)
		})
	}
}

// 随机生成满足无前向引用约束的扁平列表
func randomRecords(r *rand.Rand, n int) []bodytree.BodyRecord {
	recs := make([]bodytree.BodyRecord, n)
	for i := range recs {
		parent := bodytree.NoParent
		if i > 0 && r.Intn(5) != 0 {
			parent = r.Intn(i)
		}
		recs[i] = bodytree.BodyRecord{ID: i, Parent: parent}
	}
	return recs
}

func TestFlattenRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for iter := 0; iter < 50; iter++ {
		recs := randomRecords(r, 1+r.Intn(40))
		tree, err := bodytree.Build(recs)
		require.NoError(t, err)

		want := map[int][]int{}
		for _, rec := range recs {
			want[rec.Parent] = append(want[rec.Parent], rec.ID)
		}

		got := map[int][]int{}
		edges := tree.Flatten()
		require.Len(t, edges, len(recs))
		for _, e := range edges {
			got[e.Parent] = append(got[e.Parent], e.Child)
		}

		// 深度优先展开后，每个父节点的子节点集合及相对顺序不变
		assert.Equal(t, want, got)

		again, err := bodytree.Build(recs)
		require.NoError(t, err)
		assert.Equal(t, edges, again.Flatten())
	}
}

func TestWalkVisitsParentsFirst(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	tree, err := bodytree.Build(randomRecords(r, 60))
	require.NoError(t, err)

	seen := map[int]bool{}
	err = tree.Walk(func(n *bodytree.Node, depth int) error {
		if n.Parent != bodytree.NoParent {
			assert.True(t, seen[n.Parent], "body %d visited before parent %d", n.ID, n.Parent)
		} else {
			assert.Zero(t, depth)
		}
		seen[n.ID] = true
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, seen, 60)
}

func TestExport(t *testing.T) {
	tree, err := bodytree.Build([]bodytree.BodyRecord{
		{ID: 0, Parent: bodytree.NoParent, Name: "world", Local: pose.Identity()},
		{ID: 1, Parent: 0, Name: "torso", Local: at(0, 0, 1)},
	})
	require.NoError(t, err)

	out := tree.Export()
	require.Len(t, out, 1)
	assert.Equal(t, "world", out[0].Name)
	require.Len(t, out[0].Children, 1)
	assert.Equal(t, [3]float64{0, 0, 1}, out[0].Children[0].Pos)
	assert.Equal(t, [4]float64{1, 0, 0, 0}, out[0].Children[0].Quat)
}
