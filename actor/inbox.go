package actor

import (
	"runtime"
	"sync/atomic"

	"github.com/TAnNbR/fleet/ringbuffer"
)

const (
	defaultThroughput = 300
	messageBatchSize  = 1024 * 4
)

// 收件箱的运行状态。
const (
	stopped int32 = iota
	starting
	idle
	running
)

// Scheduler 决定收件箱的处理循环在哪里运行。
type Scheduler interface {
	Schedule(fn func())
	Throughput() int
}

type goscheduler int

func (goscheduler) Schedule(fn func()) {
	go fn()
}

func (sched goscheduler) Throughput() int {
	return int(sched)
}

func NewScheduler(throughput int) Scheduler {
	return goscheduler(throughput)
}

// Inboxer 是进程收件箱的抽象。
type Inboxer interface {
	Send(Envelope)
	Start(Processer)
	Stop() error
}

// Inbox 用环形队列缓存消息，并保证同一时刻只有一个 goroutine 在处理它们。
type Inbox struct {
	rb         *ringbuffer.RingBuffer[Envelope]
	proc       Processer
	scheduler  Scheduler
	procStatus int32
}

func NewInbox(size int) *Inbox {
	return &Inbox{
		rb:         ringbuffer.New[Envelope](int64(size)),
		scheduler:  NewScheduler(defaultThroughput),
		procStatus: stopped,
	}
}

func (in *Inbox) Send(msg Envelope) {
	in.rb.Push(msg)
	in.schedule()
}

func (in *Inbox) schedule() {
	if atomic.CompareAndSwapInt32(&in.procStatus, idle, running) {
		in.scheduler.Schedule(in.process)
	}
}

func (in *Inbox) process() {
	in.run()
	// 最后一次 PopN 和切换到 idle 之间可能有新消息进入，需要重新调度。
	if atomic.CompareAndSwapInt32(&in.procStatus, running, idle) && in.rb.Len() > 0 {
		in.schedule()
	}
}

func (in *Inbox) run() {
	i, t := 0, in.scheduler.Throughput()
	for atomic.LoadInt32(&in.procStatus) != stopped {
		if i > t {
			i = 0
			runtime.Gosched()
		}
		i++
		msgs, ok := in.rb.PopN(messageBatchSize)
		if !ok || len(msgs) == 0 {
			return
		}
		in.proc.Invoke(msgs)
	}
}

// Start 绑定处理者并开始调度。先切到 starting 再到 idle，避免 in.proc 上的竞态。
func (in *Inbox) Start(proc Processer) {
	if atomic.CompareAndSwapInt32(&in.procStatus, stopped, starting) {
		in.proc = proc
		atomic.SwapInt32(&in.procStatus, idle)
		in.schedule()
	}
}

func (in *Inbox) Stop() error {
	atomic.StoreInt32(&in.procStatus, stopped)
	return nil
}
