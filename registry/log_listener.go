package registry

import (
	"log/slog"
	"reflect"

	"github.com/TAnNbR/fleet/cluster"
)

// logListener 在把集群事件交给注册表之前记录日志。
type logListener struct {
	registry string
	next     cluster.Listener
}

func (l *logListener) OnMessage(msg any) {
	slog.Debug("注册表收到事件", "registry", l.registry, "type", reflect.TypeOf(msg), "event", msg)
	l.next.OnMessage(msg)
}

func (l *logListener) OnEndpointDisconnected(endpoint string) {
	slog.Info("注册表收到节点断开通知", "registry", l.registry, "endpoint", endpoint)
	l.next.OnEndpointDisconnected(endpoint)
}
