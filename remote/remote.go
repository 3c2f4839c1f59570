package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TAnNbR/fleet/actor"
	"storj.io/drpc/drpcmanager"
	"storj.io/drpc/drpcmux"
	"storj.io/drpc/drpcserver"
	"storj.io/drpc/drpcwire"
)

// Config 保存远程配置。
type Config struct {
	TLSConfig *tls.Config
	BuffSize  int
}

// NewConfig 返回默认的远程配置。
func NewConfig() Config {
	return Config{}
}

// WithTLS 设置 TLS 配置，监听和拨号都会使用它。
func (c Config) WithTLS(tlsconf *tls.Config) Config {
	c.TLSConfig = tlsconf
	return c
}

// WithBufferSize 设置流读取器的缓冲区大小，未设置时使用 drpc 的默认值 4MB。
func (c Config) WithBufferSize(size int) Config {
	c.BuffSize = size
	return c
}

// Remote 通过 drpc 流在节点之间传递消息。
type Remote struct {
	addr            string
	engine          *actor.Engine
	config          Config
	streamRouterPID *actor.PID
	stopCh          chan struct{}
	stopWg          *sync.WaitGroup
	state           atomic.Uint32
}

const (
	stateInvalid uint32 = iota
	stateInitialized
	stateRunning
	stateStopped
)

const stopTimeout = 5 * time.Second

// New 创建监听 addr 的远程模块，addr 同时是本节点所有 PID 的地址。
func New(addr string, config Config) *Remote {
	r := &Remote{
		addr:   addr,
		config: config,
	}
	r.state.Store(stateInitialized)
	return r
}

// Start 开始监听并创建流路由进程。
func (r *Remote) Start(e *actor.Engine) error {
	if !r.state.CompareAndSwap(stateInitialized, stateRunning) {
		return fmt.Errorf("远程模块已启动")
	}
	r.engine = e
	var (
		ln  net.Listener
		err error
	)
	switch r.config.TLSConfig {
	case nil:
		ln, err = net.Listen("tcp", r.addr)
	default:
		slog.Debug("远程使用 TLS 进行监听")
		ln, err = tls.Listen("tcp", r.addr, r.config.TLSConfig)
	}
	if err != nil {
		r.state.Store(stateInvalid)
		return fmt.Errorf("远程监听失败: %w", err)
	}
	mux := drpcmux.New()
	if err := DRPCRegisterRemote(mux, newStreamReader(r)); err != nil {
		_ = ln.Close()
		return fmt.Errorf("注册远程服务失败: %w", err)
	}
	s := drpcserver.NewWithOptions(mux, drpcserver.Options{
		Manager: drpcmanager.Options{
			Reader: drpcwire.ReaderOptions{
				MaximumBufferSize: r.config.BuffSize,
			},
		},
	})

	r.streamRouterPID = r.engine.Spawn(
		newStreamRouter(r.engine, r.config.TLSConfig, r.config.BuffSize),
		"router", actor.WithInboxSize(1024*1024))
	slog.Debug("远程服务已启动", "listenAddr", r.addr)

	r.stopWg = &sync.WaitGroup{}
	r.stopWg.Add(1)
	r.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer r.stopWg.Done()
		if err := s.Serve(ctx, ln); err != nil {
			slog.Error("drpcserver", "err", err)
		} else {
			slog.Debug("drpcserver 已停止")
		}
	}()
	go func() {
		<-r.stopCh
		cancel()
	}()
	return nil
}

// Stop 停止监听并关闭所有出站流。返回的 WaitGroup 在服务退出后完成。
func (r *Remote) Stop() *sync.WaitGroup {
	if !r.state.CompareAndSwap(stateRunning, stateStopped) {
		slog.Warn("远程模块未运行但调用了 Stop", "state", r.state.Load())
		return &sync.WaitGroup{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	<-r.engine.PoisonCtx(ctx, r.streamRouterPID).Done()
	cancel()
	close(r.stopCh)
	return r.stopWg
}

// Send 把消息发送给远程节点上的 pid，sender 可以为 nil。
// 停止后发送的消息会成为死信。
func (r *Remote) Send(pid *actor.PID, msg any, sender *actor.PID) {
	r.engine.Send(r.streamRouterPID, &streamDeliver{
		target: pid,
		sender: sender,
		msg:    msg,
	})
}

// Address 返回监听地址。
func (r *Remote) Address() string {
	return r.addr
}
