package actor

import (
	"context"
	"log/slog"
)

type eventSub struct {
	pid *PID
}

type eventUnsub struct {
	pid *PID
}

// eventStream 是引擎内的系统事件总线，把事件转发给所有订阅者。
type eventStream struct {
	subs *PIDSet
}

func newEventStream() Producer {
	return func() Receiver {
		return &eventStream{
			subs: NewPIDSet(),
		}
	}
}

func (e *eventStream) Receive(c *Context) {
	switch msg := c.Message().(type) {
	case eventSub:
		e.subs.Add(msg.pid)
	case eventUnsub:
		e.subs.Remove(msg.pid)
	case Initialized, Started, Stopped:
	default:
		if logMsg, ok := msg.(EventLogger); ok {
			level, text, attrs := logMsg.Log()
			slog.Log(context.Background(), level, text, attrs...)
		}
		e.subs.ForEach(func(_ int, sub *PID) {
			c.Forward(sub)
		})
	}
}
