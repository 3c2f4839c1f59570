package actor

import (
	"log/slog"
	"time"
)

// EventLogger 由希望被事件流记录日志的事件实现。
type EventLogger interface {
	Log() (slog.Level, string, []any)
}

// ActorStartedEvent 在 Receiver 处理完 Started 之后广播，此时进程已可以接收消息。
type ActorStartedEvent struct {
	PID       *PID
	Timestamp time.Time
}

func (e ActorStartedEvent) Log() (slog.Level, string, []any) {
	return slog.LevelDebug, "进程已启动", []any{"pid", e.PID}
}

// ActorInitializedEvent 在 Receiver 处理完 Initialized 之后广播。
type ActorInitializedEvent struct {
	PID       *PID
	Timestamp time.Time
}

func (e ActorInitializedEvent) Log() (slog.Level, string, []any) {
	return slog.LevelDebug, "进程已初始化", []any{"pid", e.PID}
}

// ActorStoppedEvent 在进程终止时广播。
type ActorStoppedEvent struct {
	PID       *PID
	Timestamp time.Time
}

func (e ActorStoppedEvent) Log() (slog.Level, string, []any) {
	return slog.LevelDebug, "进程已停止", []any{"pid", e.PID}
}

// ActorRestartedEvent 在进程 panic 后被重启时广播。
type ActorRestartedEvent struct {
	PID        *PID
	Timestamp  time.Time
	Stacktrace []byte
	Reason     any
	Restarts   int32
}

func (e ActorRestartedEvent) Log() (slog.Level, string, []any) {
	return slog.LevelError, "进程崩溃并重启",
		[]any{"pid", e.PID.GetID(), "stack", string(e.Stacktrace),
			"reason", e.Reason, "restarts", e.Restarts}
}

// ActorMaxRestartsExceededEvent 在进程超过最大重启次数后广播。
type ActorMaxRestartsExceededEvent struct {
	PID       *PID
	Timestamp time.Time
}

func (e ActorMaxRestartsExceededEvent) Log() (slog.Level, string, []any) {
	return slog.LevelError, "进程崩溃次数过多", []any{"pid", e.PID.GetID()}
}

// ActorDuplicateIdEvent 在同一个 ID 被重复注册时广播。
type ActorDuplicateIdEvent struct {
	PID *PID
}

func (e ActorDuplicateIdEvent) Log() (slog.Level, string, []any) {
	return slog.LevelError, "进程 ID 已被占用", []any{"pid", e.PID.GetID()}
}

// EngineRemoteMissingEvent 在向远程 PID 发送消息但引擎没有远程模块时广播。
type EngineRemoteMissingEvent struct {
	Target  *PID
	Sender  *PID
	Message any
}

func (e EngineRemoteMissingEvent) Log() (slog.Level, string, []any) {
	return slog.LevelError, "引擎没有远程模块", []any{"target", e.Target}
}

// RemoteUnreachableEvent 在多次重试后仍无法连接远程节点时广播。
type RemoteUnreachableEvent struct {
	ListenAddr string
}

func (e RemoteUnreachableEvent) Log() (slog.Level, string, []any) {
	return slog.LevelWarn, "远程节点不可达", []any{"addr", e.ListenAddr}
}

// DeadLetterEvent 在消息找不到接收者时广播。
type DeadLetterEvent struct {
	Target  *PID
	Message any
	Sender  *PID
}

func (e DeadLetterEvent) Log() (slog.Level, string, []any) {
	return slog.LevelDebug, "死信", []any{"target", e.Target, "sender", e.Sender}
}
