package cluster

import "log/slog"

// MemberJoinEvent 在有新成员加入集群时广播到事件流。
type MemberJoinEvent struct {
	Member *Member
}

func (e MemberJoinEvent) Log() (slog.Level, string, []any) {
	return slog.LevelDebug, "[CLUSTER] 成员加入", []any{"id", e.Member.ID, "host", e.Member.Host}
}

// MemberLeaveEvent 在成员离开集群时广播到事件流。
type MemberLeaveEvent struct {
	Member *Member
}

func (e MemberLeaveEvent) Log() (slog.Level, string, []any) {
	return slog.LevelInfo, "[CLUSTER] 成员离开", []any{"id", e.Member.ID, "host", e.Member.Host}
}
