package actor

import "context"

// InternalError 在进程内部触发重启时使用，不计入最大重启次数。
type InternalError struct {
	From string
	Err  error
}

func (e *InternalError) Error() string {
	return e.From + ": " + e.Err.Error()
}

// poisonPill 停止一个进程。graceful 为 true 时先处理完收件箱中已有的消息。
type poisonPill struct {
	cancel   context.CancelFunc
	graceful bool
}

// Initialized 在 Receiver 创建后、Started 之前投递。
type Initialized struct{}

// Started 在进程可以开始处理消息时投递。
type Started struct{}

// Stopped 在进程终止前投递。
type Stopped struct{}

// Ping 是节点之间的存活探测消息。
type Ping struct {
	From *PID `json:"from"`
}
