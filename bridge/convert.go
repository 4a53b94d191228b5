package bridge

import (
	"fmt"

	"mjbridge/bodytree"
	"mjbridge/pose"
)

// ConvertFrame 把同一快照中的世界位姿转换为相对父刚体的局部位姿，并写入场景节点。
// 父刚体位姿只从 worlds 中查找，不重新计算；根刚体的局部位姿就是它的世界位姿
func ConvertFrame(scene SceneGraph, nodes *NodeMap, worlds []pose.Pose, renormalize bool) error {
	for _, id := range nodes.IDs() {
		l := nodes.links[id]
		local := LocalPose(worlds, id, l.parent, renormalize)
		if err := scene.SetLocalTransform(l.node, local); err != nil {
			return fmt.Errorf("set local transform of body %d: %w", id, err)
		}
	}
	return nil
}

// LocalPose 计算单个刚体的局部位姿
func LocalPose(worlds []pose.Pose, id, parent int, renormalize bool) pose.Pose {
	w := worlds[id]
	if parent == bodytree.NoParent {
		return w
	}
	p := worlds[parent]
	if renormalize {
		p = p.Normalized()
		w = w.Normalized()
	}
	return pose.Relative(p, w)
}
