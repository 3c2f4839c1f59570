package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TAnNbR/fleet/cluster"
	"github.com/TAnNbR/fleet/fleet"
	"github.com/google/uuid"
)

const (
	defaultEntryPoint = "bootstrap"
	defaultStopGrace  = 5 * time.Second
)

// ForkedConfig 是 ForkedManager 的配置。
type ForkedConfig struct {
	executable string
	entryPoint string
	logDir     string
	tempDir    string
	region     string
	stopGrace  time.Duration
	launcher   Launcher
	bootstrap  []cluster.MemberAddr
}

func NewForkedConfig() ForkedConfig {
	exe, err := os.Executable()
	if err != nil {
		exe = "fleet"
	}
	return ForkedConfig{
		executable: exe,
		entryPoint: defaultEntryPoint,
		logDir:     filepath.Join(os.TempDir(), "fleet", "logs"),
		tempDir:    os.TempDir(),
		stopGrace:  defaultStopGrace,
		launcher:   ExecLauncher{},
	}
}

// WithExecutable 设置子进程的可执行文件，默认是当前程序。
func (c ForkedConfig) WithExecutable(exe string) ForkedConfig {
	c.executable = exe
	return c
}

// WithEntryPoint 设置子进程的启动入口参数，默认是 "bootstrap"。
func (c ForkedConfig) WithEntryPoint(entryPoint string) ForkedConfig {
	c.entryPoint = entryPoint
	return c
}

// WithLogDir 设置日志根目录，每个 agent 使用其中的一个子目录。
func (c ForkedConfig) WithLogDir(dir string) ForkedConfig {
	c.logDir = dir
	return c
}

// WithTempDir 设置临时配置文件所在的目录。
func (c ForkedConfig) WithTempDir(dir string) ForkedConfig {
	c.tempDir = dir
	return c
}

func (c ForkedConfig) WithRegion(region string) ForkedConfig {
	c.region = region
	return c
}

// WithStopGrace 设置发出停止命令后等待子进程退出的时间，超时后强制结束。
func (c ForkedConfig) WithStopGrace(d time.Duration) ForkedConfig {
	c.stopGrace = d
	return c
}

func (c ForkedConfig) WithLauncher(l Launcher) ForkedConfig {
	c.launcher = l
	return c
}

// WithBootstrapMember 添加子进程加入集群时握手的成员，通常是 agent 所在的节点。
func (c ForkedConfig) WithBootstrapMember(member cluster.MemberAddr) ForkedConfig {
	c.bootstrap = append(slices.Clone(c.bootstrap), member)
	return c
}

// ForkedBootstrap 是写入临时文件交给子进程的启动参数。
type ForkedBootstrap struct {
	Config        json.RawMessage `json:"config,omitempty"`
	Agent         fleet.AgentKey  `json:"agent"`
	AgentEndpoint string          `json:"agentEndpoint"`
	AgentID       string          `json:"agentID"`
	Cluster       ForkedCluster   `json:"cluster"`
}

// ForkedCluster 是子进程加入集群需要的参数。
type ForkedCluster struct {
	ListenAddr string               `json:"listenAddr"`
	Region     string               `json:"region,omitempty"`
	Bootstrap  []cluster.MemberAddr `json:"bootstrap"`
}

// ProcessExit 描述一次被观察到的子进程退出。Requested 表示退出前已经请求过关闭。
type ProcessExit struct {
	Key       fleet.ActorKey
	PID       int
	Err       error
	Requested bool
}

// ForkedManager 在独立的子进程中托管 actor，每个子进程由一个 Watchdog 监视。
type ForkedManager struct {
	config ForkedConfig
	client cluster.Client
	agent  fleet.AgentKey

	mu        sync.Mutex
	processes map[fleet.ActorKey]*forkedActor
	onExit    func(ProcessExit)
	closed    bool
}

func NewForkedManager(config ForkedConfig, client cluster.Client, agent fleet.AgentKey) *ForkedManager {
	if config.launcher == nil {
		config.launcher = ExecLauncher{}
	}
	if config.entryPoint == "" {
		config.entryPoint = defaultEntryPoint
	}
	if config.tempDir == "" {
		config.tempDir = os.TempDir()
	}
	return &ForkedManager{
		config:    config,
		client:    client,
		agent:     agent,
		processes: make(map[fleet.ActorKey]*forkedActor),
	}
}

// OnProcessExit 设置子进程退出时的回调，回调在 watchdog 的 goroutine 上执行。
func (m *ForkedManager) OnProcessExit(fn func(ProcessExit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExit = fn
}

// CreateActor 准备子进程的命令行和临时配置文件，Start 时才启动进程。
func (m *ForkedManager) CreateActor(cfg fleet.ActorConfig) (ManagedActor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: forked manager 已关闭", fleet.ErrIllegalState)
	}
	if _, ok := m.processes[cfg.Key]; ok {
		return nil, fmt.Errorf("%w: actor %s 已经在本地运行", fleet.ErrInvalidArgument, cfg.Key)
	}
	logDir, err := m.ensureLogDir()
	if err != nil {
		return nil, err
	}
	listenAddr, err := freeListenAddr(m.client.Endpoint())
	if err != nil {
		return nil, fmt.Errorf("%w: 分配子进程监听地址失败: %v", fleet.ErrIllegalState, err)
	}
	path, err := m.writeBootstrapFile(cfg, listenAddr)
	if err != nil {
		return nil, err
	}
	command := []string{m.config.executable}
	command = append(command, cfg.Deploy.RuntimeArgs...)
	command = append(command, m.config.entryPoint, string(cfg.Key), cfg.Implementation, path)

	a := &forkedActor{
		manager:    m,
		key:        cfg.Key,
		command:    command,
		listenAddr: listenAddr,
		logFile:    filepath.Join(logDir, fileName(string(cfg.Key))+".log"),
		configFile: path,
		reaped:     make(chan struct{}),
	}
	m.processes[cfg.Key] = a
	return a, nil
}

// ensureLogDir 创建本 agent 的日志目录并确认可写。
func (m *ForkedManager) ensureLogDir() (string, error) {
	dir := filepath.Join(m.config.logDir, fileName(string(m.agent)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: 创建日志目录 %s 失败: %v", fleet.ErrIllegalState, dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return "", fmt.Errorf("%w: 日志目录 %s 不可写: %v", fleet.ErrIllegalState, dir, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return dir, nil
}

func (m *ForkedManager) writeBootstrapFile(cfg fleet.ActorConfig, listenAddr string) (string, error) {
	boot := ForkedBootstrap{
		Agent:         m.agent,
		AgentEndpoint: m.client.Endpoint(),
		Cluster: ForkedCluster{
			ListenAddr: listenAddr,
			Region:     m.config.region,
			Bootstrap:  slices.Clone(m.config.bootstrap),
		},
	}
	if len(m.config.bootstrap) > 0 {
		boot.AgentID = m.config.bootstrap[0].ID
	}
	if cfg.Config != "" {
		boot.Config = json.RawMessage(cfg.Config)
	}
	data, err := json.Marshal(boot)
	if err != nil {
		return "", fmt.Errorf("编码子进程配置失败: %w", err)
	}
	path := filepath.Join(m.config.tempDir, "fleet-actor-"+uuid.NewString()+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("%w: 写入子进程配置失败: %v", fleet.ErrIllegalState, err)
	}
	return path, nil
}

// Tracked 返回进程表中所有 actor 的 key。
func (m *ForkedManager) Tracked() []fleet.ActorKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]fleet.ActorKey, 0, len(m.processes))
	for key := range m.processes {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Watchdog 返回 key 对应进程的 watchdog，进程未启动或不在进程表中时返回 nil。
func (m *ForkedManager) Watchdog(key fleet.ActorKey) *Watchdog {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.processes[key]; ok {
		return a.watchdog
	}
	return nil
}

// forget 只在进程表中的条目仍然是 a 时才删除。
func (m *ForkedManager) forget(a *forkedActor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.processes[a.key]; ok && cur == a {
		delete(m.processes, a.key)
	}
}

func (m *ForkedManager) processExited(w *Watchdog, err error) {
	m.mu.Lock()
	a, ok := m.processes[w.Key()]
	tracked := ok && a.watchdog == w
	if tracked {
		delete(m.processes, w.Key())
	}
	cb := m.onExit
	m.mu.Unlock()

	exit := ProcessExit{
		Key:       w.Key(),
		PID:       w.Process().Pid(),
		Err:       err,
		Requested: !tracked || a.closing.Load(),
	}
	if cb != nil {
		cb(exit)
	}
}

// Close 关闭所有子进程并等待它们退出，可以重复调用。
func (m *ForkedManager) Close() error {
	m.mu.Lock()
	m.closed = true
	actors := make([]*forkedActor, 0, len(m.processes))
	for _, a := range m.processes {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	for _, a := range actors {
		a.Close()
	}
	for _, a := range actors {
		<-a.reaped
	}
	return nil
}

type forkedActor struct {
	manager    *ForkedManager
	key        fleet.ActorKey
	command    []string
	listenAddr string
	logFile    string
	configFile string

	// watchdog 和 launching 由 manager.mu 保护
	watchdog  *Watchdog
	launching bool
	closing   atomic.Bool
	closeOnce sync.Once
	reapOnce  sync.Once
	reaped    chan struct{}
}

func (a *forkedActor) Key() fleet.ActorKey { return a.key }

func (a *forkedActor) Start() (*fleet.ActorDeployInfo, error) {
	m := a.manager
	m.mu.Lock()
	if a.closing.Load() || a.launching || a.watchdog != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: actor %s 已关闭或已启动", fleet.ErrIllegalState, a.key)
	}
	a.launching = true
	m.mu.Unlock()
	proc, err := m.config.launcher.Launch(context.Background(), LaunchSpec{
		Command: a.command,
		LogFile: a.logFile,
	})
	if err != nil {
		a.closing.Store(true)
		m.mu.Lock()
		a.launching = false
		m.mu.Unlock()
		m.forget(a)
		os.Remove(a.configFile)
		a.markReaped()
		return nil, fmt.Errorf("启动子进程失败: %w", err)
	}
	w := NewWatchdog(a.key, proc, m.processExited)
	m.mu.Lock()
	a.launching = false
	if a.closing.Load() {
		m.mu.Unlock()
		slog.Warn("启动期间 actor 已被关闭，结束子进程", "actor", a.key, "pid", proc.Pid())
		if err := proc.Kill(); err != nil {
			slog.Error("结束子进程失败", "actor", a.key, "err", err)
		}
		_ = proc.Wait()
		a.markReaped()
		return nil, fmt.Errorf("%w: actor %s 在启动期间被关闭", fleet.ErrIllegalState, a.key)
	}
	a.watchdog = w
	m.mu.Unlock()
	w.Start()

	slog.Info("子进程已启动", "actor", a.key, "pid", proc.Pid(), "log", a.logFile)
	return &fleet.ActorDeployInfo{
		Endpoint: a.listenAddr,
		PID:      proc.Pid(),
		Command:  slices.Clone(a.command),
	}, nil
}

func (a *forkedActor) markReaped() {
	a.reapOnce.Do(func() { close(a.reaped) })
}

// Close 通过集群向子进程发送停止命令，宽限期内没有退出时强制结束。
func (a *forkedActor) Close() error {
	a.closeOnce.Do(func() {
		m := a.manager
		a.closing.Store(true)
		m.forget(a)
		if err := os.Remove(a.configFile); err != nil && !os.IsNotExist(err) {
			slog.Debug("删除子进程配置失败", "actor", a.key, "err", err)
		}
		m.mu.Lock()
		w := a.watchdog
		launching := a.launching
		m.mu.Unlock()
		if w == nil {
			// 正在启动的进程由 Start 负责结束
			if !launching {
				a.markReaped()
			}
			return
		}
		if err := m.client.Send(fleet.ActorAddress(a.key), &fleet.StopCommand{}); err != nil {
			slog.Warn("发送停止命令失败", "actor", a.key, "err", err)
		}
		go a.reap(w)
	})
	return nil
}

func (a *forkedActor) reap(w *Watchdog) {
	defer a.markReaped()
	select {
	case <-w.Done():
		return
	case <-time.After(a.manager.config.stopGrace):
	}
	slog.Warn("子进程没有按时退出，强制结束", "actor", a.key, "pid", w.Process().Pid())
	if err := w.Kill(); err != nil {
		slog.Error("结束子进程失败", "actor", a.key, "err", err)
	}
	select {
	case <-w.Done():
	case <-time.After(a.manager.config.stopGrace):
		w.Close()
	}
}

// freeListenAddr 在 endpoint 所在的主机上找一个空闲端口。
func freeListenAddr(endpoint string) (string, error) {
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return "", err
	}
	defer ln.Close()
	return ln.Addr().String(), nil
}

func fileName(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
