package pose_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mjbridge/pose"
)

const eps = 1e-9

func randomPose(r *rand.Rand) pose.Pose {
	axis := mgl64.Vec3{r.Float64() - 0.5, r.Float64() - 0.5, r.Float64() - 0.5}
	if axis.Len() < 1e-3 {
		axis = mgl64.Vec3{0, 0, 1}
	}
	return pose.New(
		mgl64.Vec3{r.Float64()*10 - 5, r.Float64()*10 - 5, r.Float64()*10 - 5},
		mgl64.QuatRotate(r.Float64()*2*math.Pi, axis.Normalize()),
	)
}

func TestRelativeOfEqualPosesIsIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		w := randomPose(r)
		l := pose.Relative(w, w)
		assert.True(t, l.IsIdentity(eps), "第%d次: %+v", i, l)
	}
}

func TestRelativeInverseConsistency(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		parent := randomPose(r)
		body := randomPose(r)
		l := pose.Relative(parent, body)
		assert.True(t, parent.Compose(l).ApproxEqual(body, eps), "第%d次: compose(P, L) != W", i)
	}
}

func TestRelativeToIdentityParent(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	w := randomPose(r)
	assert.True(t, pose.Relative(pose.Identity(), w).ApproxEqual(w, eps))
}

func TestInverseComposesToIdentity(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		p := randomPose(r)
		assert.True(t, p.Compose(p.Inverse()).IsIdentity(eps))
		assert.True(t, p.Inverse().Compose(p).IsIdentity(eps))
	}
}

func TestComposeTranslatesAfterRotation(t *testing.T) {
	parent := pose.New(mgl64.Vec3{1, 0, 0}, mgl64.QuatRotate(math.Pi/2, mgl64.Vec3{0, 0, 1}))
	child := pose.New(mgl64.Vec3{1, 0, 0}, mgl64.QuatIdent())

	world := parent.Compose(child)
	assert.True(t, world.Pos.ApproxEqualThreshold(mgl64.Vec3{1, 1, 0}, eps), "%v", world.Pos)
}

func TestFromEngineQuaternionOrder(t *testing.T) {
	p := pose.FromEngine([3]float64{1, 2, 3}, [4]float64{0.5, 0.5, 0.5, 0.5})
	assert.Equal(t, 0.5, p.Rot.W)
	assert.Equal(t, mgl64.Vec3{0.5, 0.5, 0.5}, p.Rot.V)
	assert.Equal(t, [4]float64{0.5, 0.5, 0.5, 0.5}, p.EngineQuat())
}

func TestNormalizedLeavesUnitQuaternion(t *testing.T) {
	p := pose.New(mgl64.Vec3{1, 2, 3}, mgl64.QuatRotate(0.3, mgl64.Vec3{0, 1, 0}))
	assert.Equal(t, p, p.Normalized())

	drifted := p
	drifted.Rot = drifted.Rot.Scale(1.01)
	n := drifted.Normalized()
	assert.InDelta(t, 1.0, n.Rot.Len(), 1e-12)
	assert.True(t, n.ApproxEqual(p, eps))
}

func TestZUpToYUp(t *testing.T) {
	up := pose.ZUpToYUp().Rot.Rotate(mgl64.Vec3{0, 0, 1})
	require.True(t, up.ApproxEqualThreshold(mgl64.Vec3{0, 1, 0}, eps), "%v", up)
}

func TestPlanarAngleRoundTrip(t *testing.T) {
	for _, a := range []float64{0, 0.3, -1.2, 2.5} {
		p := pose.New(mgl64.Vec3{}, pose.AboutY(a))
		assert.InDelta(t, a, p.PlanarAngle(), eps)
	}
}
