package pose

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ZUpToYUp 物理引擎 Z 轴向上坐标系到宿主 Y 轴向上坐标系的修正：绕 X 轴旋转 -90°
func ZUpToYUp() Pose {
	return Pose{Rot: mgl64.QuatRotate(-math.Pi/2, mgl64.Vec3{1, 0, 0})}
}

// PlanarAngle 返回位姿在 X-Z 平面内的转角（绕 -Y 轴），用于平面引擎投影
func (p Pose) PlanarAngle() float64 {
	x := p.Rot.Rotate(mgl64.Vec3{1, 0, 0})
	return math.Atan2(x[2], x[0])
}

// AboutY 绕 -Y 轴旋转 angle 的四元数，X-Z 平面内的正转角
func AboutY(angle float64) mgl64.Quat {
	return mgl64.QuatRotate(-angle, mgl64.Vec3{0, 1, 0})
}
