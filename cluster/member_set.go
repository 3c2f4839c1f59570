package cluster

import (
	"sort"
)

// MemberSet 是按成员 ID 索引的集合，不是并发安全的。
type MemberSet struct {
	members map[string]*Member
}

func NewMemberSet(members ...*Member) *MemberSet {
	m := make(map[string]*Member, len(members))
	for _, member := range members {
		m[member.ID] = member
	}
	return &MemberSet{
		members: m,
	}
}

func (s *MemberSet) Len() int {
	return len(s.members)
}

// GetByHost 返回地址为 host 的成员，没有时返回 nil。
func (s *MemberSet) GetByHost(host string) *Member {
	for _, member := range s.members {
		if member.Host == host {
			return member
		}
	}
	return nil
}

func (s *MemberSet) Add(member *Member) {
	s.members[member.ID] = member
}

func (s *MemberSet) Contains(member *Member) bool {
	_, ok := s.members[member.ID]
	return ok
}

func (s *MemberSet) Remove(member *Member) {
	delete(s.members, member.ID)
}

// RemoveByHost 删除地址为 host 的成员并返回它。
func (s *MemberSet) RemoveByHost(host string) *Member {
	member := s.GetByHost(host)
	if member != nil {
		s.Remove(member)
	}
	return member
}

// Slice 返回按 ID 排序的成员切片。
func (s *MemberSet) Slice() []*Member {
	members := make([]*Member, 0, len(s.members))
	for _, member := range s.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// ForEach 遍历所有成员，fun 返回 false 时停止。
func (s *MemberSet) ForEach(fun func(m *Member) bool) {
	for _, m := range s.members {
		if !fun(m) {
			break
		}
	}
}

// Except 返回在当前集合中但不在 members 中的成员。
func (s *MemberSet) Except(members []*Member) []*Member {
	var (
		except = []*Member{}
		m      = make(map[string]*Member, len(members))
	)
	for _, member := range members {
		m[member.ID] = member
	}
	for _, member := range s.members {
		if _, ok := m[member.ID]; !ok {
			except = append(except, member)
		}
	}
	return except
}
