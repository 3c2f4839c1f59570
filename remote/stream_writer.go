package remote

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"storj.io/drpc/drpcconn"
	"storj.io/drpc/drpcmanager"
	"storj.io/drpc/drpcwire"
)

const (
	connIdleTimeout       = time.Minute * 10
	streamWriterBatchSize = 1024
	dialRetries           = 3
	dialRetryDelay        = time.Millisecond * 500
)

// streamWriter 把发往同一个远程地址的消息批量编码后写入一条 drpc 流。
type streamWriter struct {
	writeToAddr string
	rawconn     net.Conn
	conn        *drpcconn.Conn
	stream      DRPCRemote_ReceiveClient
	engine      *actor.Engine
	routerPID   *actor.PID
	pid         *actor.PID
	inbox       actor.Inboxer
	serializer  Serializer
	tlsConfig   *tls.Config
	buffSize    int
	shutdown    sync.Once
}

func newStreamWriter(e *actor.Engine, rpid *actor.PID, address string, tlsConfig *tls.Config, buffSize int) actor.Processer {
	return &streamWriter{
		writeToAddr: address,
		engine:      e,
		routerPID:   rpid,
		inbox:       actor.NewInbox(streamWriterBatchSize),
		pid:         actor.NewPID(e.Address(), "stream/"+address),
		serializer:  JSONSerializer{},
		tlsConfig:   tlsConfig,
		buffSize:    buffSize,
	}
}

func (s *streamWriter) PID() *actor.PID { return s.pid }

func (s *streamWriter) Send(_ *actor.PID, msg any, sender *actor.PID) {
	s.inbox.Send(actor.Envelope{Msg: msg, Sender: sender})
}

// Invoke 把一批消息编码进同一个信封，重复的 PID 和类型名只编码一次。
func (s *streamWriter) Invoke(msgs []actor.Envelope) {
	var (
		typeLookup   = make(map[string]int32)
		typeNames    = make([]string, 0)
		senderLookup = make(map[uint64]int32)
		senders      = make([]*actor.PID, 0)
		targetLookup = make(map[uint64]int32)
		targets      = make([]*actor.PID, 0)
		messages     = make([]*Message, 0, len(msgs))
		closing      bool
	)

	for i := 0; i < len(msgs); i++ {
		if _, ok := msgs[i].Msg.(closeStream); ok {
			closing = true
			continue
		}
		deliver, ok := msgs[i].Msg.(*streamDeliver)
		if !ok || closing {
			continue
		}
		b, err := s.serializer.Serialize(deliver.msg)
		if err != nil {
			slog.Error("序列化失败", "err", err, "target", deliver.target)
			continue
		}
		var (
			typeID   int32
			senderID int32
			targetID int32
		)
		typeID, typeNames = lookupTypeName(typeLookup, s.serializer.TypeName(deliver.msg), typeNames)
		senderID, senders = lookupPIDs(senderLookup, deliver.sender, senders)
		targetID, targets = lookupPIDs(targetLookup, deliver.target, targets)
		messages = append(messages, &Message{
			Data:          b,
			TypeNameIndex: typeID,
			SenderIndex:   senderID,
			TargetIndex:   targetID,
		})
	}
	if closing {
		defer s.terminate(false)
	}
	if len(messages) == 0 || s.stream == nil {
		return
	}

	env := &Envelope{
		Senders:   senders,
		Targets:   targets,
		TypeNames: typeNames,
		Messages:  messages,
	}
	if err := s.stream.Send(env); err != nil {
		if errors.Is(err, io.EOF) {
			_ = s.conn.Close()
			return
		}
		slog.Error("流写入器发送消息失败", "err", err, "remote", s.writeToAddr)
	}
	if err := s.rawconn.SetDeadline(time.Now().Add(connIdleTimeout)); err != nil {
		slog.Error("刷新连接超时失败", "err", err)
	}
}

// init 连接远程地址并打开流，失败时返回 false。
func (s *streamWriter) init() bool {
	var (
		rawconn net.Conn
		err     error
	)
	for i := 0; i < dialRetries; i++ {
		switch s.tlsConfig {
		case nil:
			rawconn, err = net.Dial("tcp", s.writeToAddr)
		default:
			rawconn, err = tls.Dial("tcp", s.writeToAddr, s.tlsConfig)
		}
		if err == nil {
			break
		}
		d := dialRetryDelay * time.Duration(i*2)
		slog.Error("连接远程失败", "err", err, "remote", s.writeToAddr, "retry", i, "max", dialRetries, "delay", d)
		time.Sleep(d)
	}
	if rawconn == nil {
		return false
	}

	s.rawconn = rawconn
	if err := rawconn.SetDeadline(time.Now().Add(connIdleTimeout)); err != nil {
		slog.Error("设置连接超时失败", "err", err)
		_ = rawconn.Close()
		return false
	}

	conn := drpcconn.NewWithOptions(rawconn, drpcconn.Options{
		Manager: drpcmanager.Options{
			Reader: drpcwire.ReaderOptions{
				MaximumBufferSize: s.buffSize,
			},
		},
	})
	stream, err := NewDRPCRemoteClient(conn).Receive(context.Background())
	if err != nil {
		slog.Error("打开流失败", "err", err, "remote", s.writeToAddr)
		_ = conn.Close()
		return false
	}
	s.stream = stream
	s.conn = conn
	slog.Debug("已连接", "remote", s.writeToAddr)

	go func() {
		<-s.conn.Closed()
		slog.Debug("连接丢失", "remote", s.writeToAddr)
		s.Shutdown()
	}()
	return true
}

// Shutdown 关闭流写入器，并通知路由和事件流该地址不可达。
func (s *streamWriter) Shutdown() {
	s.terminate(true)
}

// terminate 关闭流和连接。本节点主动关闭时 unreachable 为 false，不广播不可达事件。
func (s *streamWriter) terminate(unreachable bool) {
	s.shutdown.Do(func() {
		if unreachable {
			evt := actor.RemoteUnreachableEvent{ListenAddr: s.writeToAddr}
			s.engine.Send(s.routerPID, evt)
			s.engine.BroadcastEvent(evt)
		} else {
			slog.Debug("关闭到远程的流", "remote", s.writeToAddr)
		}
		if s.stream != nil {
			_ = s.stream.Close()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		_ = s.inbox.Stop()
		s.engine.Registry.Remove(s.PID())
	})
}

// Start 在后台建立连接，连接成功前到达的消息留在收件箱中。
func (s *streamWriter) Start() {
	go func() {
		if !s.init() {
			s.Shutdown()
			return
		}
		s.inbox.Start(s)
	}()
}

// lookupPIDs 返回 pid 在 pids 中的下标，不存在时追加。nil 返回 -1。
func lookupPIDs(m map[uint64]int32, pid *actor.PID, pids []*actor.PID) (int32, []*actor.PID) {
	if pid == nil {
		return -1, pids
	}
	key := pid.LookupKey()
	id, ok := m[key]
	if !ok {
		id = int32(len(pids))
		m[key] = id
		pids = append(pids, pid)
	}
	return id, pids
}

func lookupTypeName(m map[string]int32, name string, types []string) (int32, []string) {
	id, ok := m[name]
	if !ok {
		id = int32(len(types))
		m[name] = id
		types = append(types, name)
	}
	return id, types
}
