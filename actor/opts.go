package actor

import (
	"context"
	"time"
)

const (
	defaultInboxSize   = 1024
	defaultMaxRestarts = 3
)

var defaultRestartDelay = 500 * time.Millisecond

// ReceiveFunc 是消息处理函数。
type ReceiveFunc = func(*Context)

// MiddlewareFunc 包装 ReceiveFunc。
type MiddlewareFunc = func(ReceiveFunc) ReceiveFunc

// Opts 是进程的创建选项。
type Opts struct {
	Producer     Producer
	Kind         string
	ID           string
	MaxRestarts  int32
	RestartDelay time.Duration
	InboxSize    int
	Middleware   []MiddlewareFunc
	Context      context.Context
}

// OptFunc 修改 Opts。
type OptFunc func(*Opts)

// DefaultOpts 返回给定 Producer 的默认选项。
func DefaultOpts(p Producer) Opts {
	return Opts{
		Context:      context.Background(),
		Producer:     p,
		MaxRestarts:  defaultMaxRestarts,
		InboxSize:    defaultInboxSize,
		RestartDelay: defaultRestartDelay,
		Middleware:   []MiddlewareFunc{},
	}
}

func WithContext(ctx context.Context) OptFunc {
	return func(opts *Opts) {
		opts.Context = ctx
	}
}

func WithMiddleware(mw ...MiddlewareFunc) OptFunc {
	return func(opts *Opts) {
		opts.Middleware = append(opts.Middleware, mw...)
	}
}

func WithRestartDelay(d time.Duration) OptFunc {
	return func(opts *Opts) {
		opts.RestartDelay = d
	}
}

func WithInboxSize(size int) OptFunc {
	return func(opts *Opts) {
		opts.InboxSize = size
	}
}

func WithMaxRestarts(n int) OptFunc {
	return func(opts *Opts) {
		opts.MaxRestarts = int32(n)
	}
}

// WithID 指定进程 ID，未指定时随机生成。
func WithID(id string) OptFunc {
	return func(opts *Opts) {
		opts.ID = id
	}
}
