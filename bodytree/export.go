package bodytree

// Exported 可序列化的嵌套树结构，用于 inspect 输出
type Exported struct {
	ID       int         `json:"id" yaml:"id"`
	Name     string      `json:"name,omitempty" yaml:"name,omitempty"`
	Pos      [3]float64  `json:"pos" yaml:"pos"`
	Quat     [4]float64  `json:"quat" yaml:"quat"`
	Geoms    int         `json:"geoms,omitempty" yaml:"geoms,omitempty"`
	Children []*Exported `json:"children,omitempty" yaml:"children,omitempty"`
}

// Export 将树转换为嵌套结构，每个根对应一个元素
func (t *Tree) Export() []*Exported {
	out := make([]*Exported, 0, len(t.roots))
	for _, r := range t.roots {
		out = append(out, t.export(r))
	}
	return out
}

func (t *Tree) export(id int) *Exported {
	n := &t.nodes[id]
	e := &Exported{
		ID:    n.ID,
		Name:  n.Name,
		Pos:   [3]float64{n.Local.Pos[0], n.Local.Pos[1], n.Local.Pos[2]},
		Quat:  n.Local.EngineQuat(),
		Geoms: len(n.Geoms),
	}
	for _, c := range n.Children {
		e.Children = append(e.Children, t.export(c))
	}
	return e
}
