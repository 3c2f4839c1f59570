package actor

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"time"
)

// Response 是一次请求的应答，本身作为一个临时进程注册在引擎中。
type Response struct {
	engine  *Engine
	pid     *PID
	result  chan any
	timeout time.Duration
}

func NewResponse(e *Engine, timeout time.Duration) *Response {
	return &Response{
		engine:  e,
		result:  make(chan any, 1),
		timeout: timeout,
		pid:     NewPID(e.address, "response"+pidSeparator+strconv.Itoa(rand.Intn(math.MaxInt32))),
	}
}

// Result 阻塞直到收到应答或超时。
func (r *Response) Result() (any, error) {
	return r.ResultCtx(context.Background())
}

// ResultCtx 与 Result 相同，但同时受 ctx 控制。
func (r *Response) ResultCtx(ctx context.Context) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer func() {
		cancel()
		r.engine.Registry.Remove(r.pid)
	}()

	select {
	case resp := <-r.result:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Response) Send(_ *PID, msg any, _ *PID) {
	select {
	case r.result <- msg:
	default:
	}
}

func (r *Response) PID() *PID { return r.pid }

func (r *Response) Shutdown() {}

func (r *Response) Start() {}

func (r *Response) Invoke([]Envelope) {}
