// Package handle 提供等待 actor 和 agent 生命周期变化的句柄。
package handle

import (
	"context"
	"sync"
	"time"
)

// Future 是只能完成一次的结果。
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

func NewFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Complete 用 v 完成 future，已经完成时返回 false。
func (f *Future[T]) Complete(v T) bool {
	return f.resolve(v, nil)
}

// Fail 用 err 完成 future，已经完成时返回 false。
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.resolve(zero, err)
}

func (f *Future[T]) resolve(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		ok = true
	})
	return ok
}

// Done 在 future 完成后关闭。
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait 等待 future 完成或 ctx 结束。
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Await 最多等待 timeout。
func (f *Future[T]) Await(timeout time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f.Wait(ctx)
}
