package manager

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/TAnNbR/fleet/cluster/clustertest"
	"github.com/TAnNbR/fleet/fleet"
)

func actorEvents(c *clustertest.Client, state fleet.ActorState) []*fleet.ActorLifecycleMessage {
	var msgs []*fleet.ActorLifecycleMessage
	for _, m := range c.Published(fleet.ActorTopic) {
		if e, ok := m.(*fleet.ActorLifecycleMessage); ok && e.State == state {
			msgs = append(msgs, e)
		}
	}
	return msgs
}

func metricsReports(c *clustertest.Client) []*fleet.MetricsReport {
	var msgs []*fleet.MetricsReport
	for _, m := range c.Published(fleet.MetricsTopic) {
		if r, ok := m.(*fleet.MetricsReport); ok {
			msgs = append(msgs, r)
		}
	}
	return msgs
}

type recordingReactor struct {
	mu       sync.Mutex
	calls    []string
	messages []*fleet.DeliverMessage
	startErr error
}

func (r *recordingReactor) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingReactor) OnStart(*Context) error {
	r.record("start")
	return r.startErr
}

func (r *recordingReactor) OnBootstrap(*Context) error {
	r.record("bootstrap")
	return nil
}

func (r *recordingReactor) OnMessage(_ *Context, msg *fleet.DeliverMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *recordingReactor) OnStop(*Context) error {
	r.record("stop")
	return nil
}

func (r *recordingReactor) Metrics() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return map[string]float64{"messages": float64(len(r.messages))}
}

func (r *recordingReactor) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func catalogWith(name string, r Reactor) *Catalog {
	c := NewCatalog()
	c.MustRegister(name, func() Reactor { return r })
	return c
}

var errKilled = errors.New("signal: killed")

type fakeProcess struct {
	pid    int
	exit   chan error
	once   sync.Once
	killed atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exit: make(chan error, 1)}
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() error { return <-p.exit }

func (p *fakeProcess) Kill() error {
	p.killed.Add(1)
	p.finish(errKilled)
	return nil
}

func (p *fakeProcess) finish(err error) {
	p.once.Do(func() { p.exit <- err })
}

type fakeLauncher struct {
	mu    sync.Mutex
	specs []LaunchSpec
	procs []*fakeProcess
	err   error
}

func (l *fakeLauncher) Launch(_ context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(1000 + len(l.procs))
	l.specs = append(l.specs, spec)
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() (*fakeProcess, LaunchSpec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1], l.specs[len(l.specs)-1]
}

// panickingReactor 在 panics 中列出的回调里 panic，其余回调交给 recordingReactor。
type panickingReactor struct {
	recordingReactor
	panics map[string]bool
}

func (r *panickingReactor) OnStart(c *Context) error {
	if r.panics["start"] {
		panic("boom in OnStart")
	}
	return r.recordingReactor.OnStart(c)
}

func (r *panickingReactor) OnMessage(c *Context, msg *fleet.DeliverMessage) error {
	if r.panics["message"] {
		panic("boom in OnMessage")
	}
	return r.recordingReactor.OnMessage(c, msg)
}

func (r *panickingReactor) OnStop(c *Context) error {
	r.record("stop")
	if r.panics["stop"] {
		panic("boom in OnStop")
	}
	return nil
}

func (r *panickingReactor) Metrics() map[string]float64 {
	if r.panics["metrics"] {
		panic("boom in Metrics")
	}
	return r.recordingReactor.Metrics()
}

// gatedLauncher 在 Launch 中阻塞，直到 release 被关闭。
type gatedLauncher struct {
	fakeLauncher
	entered chan struct{}
	release chan struct{}
}

func newGatedLauncher() *gatedLauncher {
	return &gatedLauncher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (l *gatedLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	close(l.entered)
	<-l.release
	return l.fakeLauncher.Launch(ctx, spec)
}
