package actor

import (
	"github.com/zeebo/xxh3"
)

// pidSeparator 分隔 PID 中的各级标识。
const pidSeparator = "/"

// PID 唯一标识集群中的一个进程：所在引擎的地址加上进程 ID。
// PID 会跨节点传输，因此只包含可序列化的字段。
type PID struct {
	Address string `json:"address"`
	ID      string `json:"id"`
}

// NewPID 根据地址和 ID 创建 PID。
func NewPID(address, id string) *PID {
	return &PID{
		Address: address,
		ID:      id,
	}
}

// GetID 返回 PID 的 ID，nil 安全。
func (pid *PID) GetID() string {
	if pid == nil {
		return ""
	}
	return pid.ID
}

func (pid *PID) String() string {
	if pid == nil {
		return "<nil>"
	}
	return pid.Address + pidSeparator + pid.ID
}

// Equals 判断两个 PID 是否指向同一个进程。
func (pid *PID) Equals(other *PID) bool {
	if pid == nil || other == nil {
		return pid == other
	}
	return pid.Address == other.Address && pid.ID == other.ID
}

// Clone 返回 PID 的副本。
func (pid *PID) Clone() *PID {
	if pid == nil {
		return nil
	}
	return &PID{Address: pid.Address, ID: pid.ID}
}

// Child 返回当前 PID 下名为 id 的子 PID。
func (pid *PID) Child(id string) *PID {
	return NewPID(pid.Address, pid.ID+pidSeparator+id)
}

// LookupKey 返回用于批量编码时去重的哈希键。
func (pid *PID) LookupKey() uint64 {
	key := make([]byte, 0, len(pid.Address)+len(pid.ID)+1)
	key = append(key, pid.Address...)
	key = append(key, pidSeparator...)
	key = append(key, pid.ID...)
	return xxh3.Hash(key)
}
