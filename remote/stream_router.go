package remote

import (
	"crypto/tls"
	"log/slog"

	"github.com/TAnNbR/fleet/actor"
)

type streamDeliver struct {
	sender *actor.PID
	target *actor.PID
	msg    any
}

// closeStream 让流写入器发送完已收到的消息后关闭连接。
type closeStream struct{}

// streamRouter 为每个远程地址维护一个流写入器，自身停止时关闭所有写入器。
type streamRouter struct {
	engine *actor.Engine
	// 远程地址 -> 流写入器
	streams   map[string]*actor.PID
	pid       *actor.PID
	tlsConfig *tls.Config
	buffSize  int
}

func newStreamRouter(e *actor.Engine, tlsConfig *tls.Config, buffSize int) actor.Producer {
	return func() actor.Receiver {
		return &streamRouter{
			streams:   make(map[string]*actor.PID),
			engine:    e,
			tlsConfig: tlsConfig,
			buffSize:  buffSize,
		}
	}
}

func (s *streamRouter) Receive(ctx *actor.Context) {
	switch msg := ctx.Message().(type) {
	case actor.Started:
		s.pid = ctx.PID()
	case actor.Stopped:
		s.closeStreams()
	case *streamDeliver:
		s.deliverStream(msg)
	case actor.RemoteUnreachableEvent:
		s.handleTerminateStream(msg)
	}
}

func (s *streamRouter) handleTerminateStream(msg actor.RemoteUnreachableEvent) {
	streamWriterPID, ok := s.streams[msg.ListenAddr]
	if !ok {
		return
	}
	delete(s.streams, msg.ListenAddr)
	slog.Debug("流已终止", "remote", msg.ListenAddr, "pid", streamWriterPID, "remaining", len(s.streams))
}

func (s *streamRouter) closeStreams() {
	for addr, pid := range s.streams {
		s.engine.Send(pid, closeStream{})
		delete(s.streams, addr)
	}
}

func (s *streamRouter) deliverStream(msg *streamDeliver) {
	address := msg.target.Address
	swpid, ok := s.streams[address]
	if !ok {
		swpid = s.engine.SpawnProc(newStreamWriter(s.engine, s.pid, address, s.tlsConfig, s.buffSize))
		s.streams[address] = swpid
	}
	s.engine.Send(swpid, msg)
}
