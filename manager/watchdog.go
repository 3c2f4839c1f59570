package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/TAnNbR/fleet/fleet"
)

// Watchdog 在独立的 goroutine 上等待一个子进程退出。
type Watchdog struct {
	key    fleet.ActorKey
	proc   Process
	onExit func(w *Watchdog, err error)

	started   chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	exited    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// NewWatchdog 创建 watchdog，onExit 在观察到进程退出时调用一次。
func NewWatchdog(key fleet.ActorKey, proc Process, onExit func(w *Watchdog, err error)) *Watchdog {
	return &Watchdog{
		key:     key,
		proc:    proc,
		onExit:  onExit,
		started: make(chan struct{}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (w *Watchdog) Key() fleet.ActorKey { return w.key }

func (w *Watchdog) Process() Process { return w.proc }

// Start 启动等待循环，重复调用无效。
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		go w.run()
	})
}

func (w *Watchdog) run() {
	defer close(w.done)
	waitCh := make(chan error, 1)
	go func() {
		waitCh <- w.proc.Wait()
	}()
	close(w.started)

	select {
	case <-w.stopCh:
		slog.Debug("watchdog 已关闭", "actor", w.key, "pid", w.proc.Pid())
	case err := <-waitCh:
		if errors.Is(err, ErrInterrupted) {
			slog.Warn("watchdog 等待被中断", "actor", w.key, "pid", w.proc.Pid())
			return
		}
		w.exited.Store(true)
		slog.Info("子进程已退出", "actor", w.key, "pid", w.proc.Pid(), "err", err)
		if w.onExit != nil {
			w.onExit(w, err)
		}
	}
}

// AwaitUntilStarted 阻塞直到等待循环开始运行。
func (w *Watchdog) AwaitUntilStarted(ctx context.Context) error {
	select {
	case <-w.started:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasProcessExited 只有在观察到进程退出后才返回 true。
func (w *Watchdog) HasProcessExited() bool {
	return w.exited.Load()
}

// Done 在等待循环结束后关闭。
func (w *Watchdog) Done() <-chan struct{} {
	return w.done
}

// Close 停止等待，不会结束进程。
func (w *Watchdog) Close() {
	w.closeOnce.Do(func() {
		close(w.stopCh)
	})
}

// Kill 强制结束进程。
func (w *Watchdog) Kill() error {
	return w.proc.Kill()
}
