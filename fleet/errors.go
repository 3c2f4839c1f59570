package fleet

import (
	"errors"
	"fmt"
)

// 错误类别。具体错误用 fmt.Errorf("%w") 包装它们，调用者用 errors.Is 判断。
var (
	ErrIllegalState          = errors.New("非法状态")
	ErrInvalidArgument       = errors.New("非法参数")
	ErrUnknownActor          = errors.New("未知的 actor")
	ErrUnknownAgent          = errors.New("未知的 agent")
	ErrUnknownImplementation = errors.New("未知的 actor 实现")
	ErrDisconnected          = errors.New("节点已断开")
)

// ActorFailure 是 actor 生命周期失败的原因，通过 FAILED 事件传递给等待者。
type ActorFailure struct {
	Key          ActorKey
	Cause        string
	Disconnected bool
}

func (e *ActorFailure) Error() string {
	return fmt.Sprintf("actor %s 失败: %s", e.Key, e.Cause)
}

// Unwrap 在断开导致的失败上返回 ErrDisconnected。
func (e *ActorFailure) Unwrap() error {
	if e.Disconnected {
		return ErrDisconnected
	}
	return nil
}
