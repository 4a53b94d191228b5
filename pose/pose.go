package pose

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// 四元数范数偏离1超过该值时才重新归一化
const DriftTolerance = 1e-9

// Pose 刚体位姿：位置 + 单位四元数朝向
// 组合约定：先旋转后平移，Compose(A, B) = (A.Pos + A.Rot·B.Pos, A.Rot·B.Rot)
type Pose struct {
	Pos mgl64.Vec3
	Rot mgl64.Quat
}

// Identity 单位位姿（零平移，单位旋转）
func Identity() Pose {
	return Pose{Rot: mgl64.QuatIdent()}
}

// New 由位置和四元数创建位姿
func New(pos mgl64.Vec3, rot mgl64.Quat) Pose {
	return Pose{Pos: pos, Rot: rot}
}

// FromEngine 由物理引擎的数组布局创建位姿，四元数顺序为 [w, x, y, z]
func FromEngine(pos [3]float64, quat [4]float64) Pose {
	return Pose{
		Pos: mgl64.Vec3{pos[0], pos[1], pos[2]},
		Rot: mgl64.Quat{W: quat[0], V: mgl64.Vec3{quat[1], quat[2], quat[3]}},
	}
}

// EngineQuat 返回 [w, x, y, z] 布局的四元数
func (p Pose) EngineQuat() [4]float64 {
	return [4]float64{p.Rot.W, p.Rot.V[0], p.Rot.V[1], p.Rot.V[2]}
}

// Compose 返回 p ∘ l：l 表示在 p 坐标系下的位姿
func (p Pose) Compose(l Pose) Pose {
	return Pose{
		Pos: p.Pos.Add(p.Rot.Rotate(l.Pos)),
		Rot: p.Rot.Mul(l.Rot),
	}
}

// Inverse 刚体变换的逆。旋转使用单位四元数的共轭，避免一般求逆带来的漂移
func (p Pose) Inverse() Pose {
	inv := p.Rot.Conjugate()
	return Pose{
		Pos: inv.Rotate(p.Pos.Mul(-1)),
		Rot: inv,
	}
}

// Relative 计算 body 在 parent 坐标系下的局部位姿：inverse(parent) ∘ body
func Relative(parent, body Pose) Pose {
	inv := parent.Rot.Conjugate()
	return Pose{
		Pos: inv.Rotate(body.Pos.Sub(parent.Pos)),
		Rot: inv.Mul(body.Rot),
	}
}

// Normalized 返回朝向被重新归一化的副本；仅当范数漂移超过 DriftTolerance 时修改
func (p Pose) Normalized() Pose {
	n := p.Rot.Len()
	if n == 0 || math.Abs(n-1) <= DriftTolerance {
		return p
	}
	p.Rot = p.Rot.Scale(1 / n)
	return p
}

// ApproxEqual 在容差内比较两个位姿。q 与 -q 表示同一旋转
func (p Pose) ApproxEqual(o Pose, eps float64) bool {
	if !p.Pos.ApproxEqualThreshold(o.Pos, eps) {
		return false
	}
	if p.Rot.ApproxEqualThreshold(o.Rot, eps) {
		return true
	}
	return p.Rot.ApproxEqualThreshold(o.Rot.Scale(-1), eps)
}

// IsIdentity 判断是否为单位位姿（容差内）
func (p Pose) IsIdentity(eps float64) bool {
	return p.ApproxEqual(Identity(), eps)
}
