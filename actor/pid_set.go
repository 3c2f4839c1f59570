package actor

// PIDSet 是按地址和 ID 去重的 PID 集合，保持插入顺序，删除为 O(1)。
type PIDSet struct {
	pids   []*PID
	lookup map[pidKey]int
}

type pidKey struct {
	address string
	id      string
}

func keyOf(pid *PID) pidKey {
	return pidKey{address: pid.Address, id: pid.ID}
}

func NewPIDSet(pids ...*PID) *PIDSet {
	p := &PIDSet{lookup: make(map[pidKey]int)}
	for _, pid := range pids {
		p.Add(pid)
	}
	return p
}

func (p *PIDSet) Contains(v *PID) bool {
	_, ok := p.lookup[keyOf(v)]
	return ok
}

// Add 添加 v，已存在时不做任何事。
func (p *PIDSet) Add(v *PID) {
	if p.lookup == nil {
		p.lookup = make(map[pidKey]int)
	}
	if p.Contains(v) {
		return
	}
	p.pids = append(p.pids, v)
	p.lookup[keyOf(v)] = len(p.pids) - 1
}

// Remove 删除 v，存在时返回 true。最后一个元素会被移动到空出的位置。
func (p *PIDSet) Remove(v *PID) bool {
	i, ok := p.lookup[keyOf(v)]
	if !ok {
		return false
	}
	delete(p.lookup, keyOf(v))
	last := len(p.pids) - 1
	if i < last {
		p.pids[i] = p.pids[last]
		p.lookup[keyOf(p.pids[i])] = i
	}
	p.pids[last] = nil
	p.pids = p.pids[:last]
	return true
}

func (p *PIDSet) Len() int {
	return len(p.pids)
}

func (p *PIDSet) Empty() bool {
	return p.Len() == 0
}

func (p *PIDSet) Clear() {
	p.pids = p.pids[:0]
	p.lookup = make(map[pidKey]int)
}

// Values 返回内部切片的副本。
func (p *PIDSet) Values() []*PID {
	out := make([]*PID, len(p.pids))
	copy(out, p.pids)
	return out
}

func (p *PIDSet) ForEach(f func(i int, pid *PID)) {
	for i, pid := range p.pids {
		f(i, pid)
	}
}
