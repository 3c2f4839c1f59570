// Package journal 把 actor 和 agent 的生命周期事件追加到 sqlite 中。
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/TAnNbR/fleet/fleet"
	"github.com/TAnNbR/fleet/registry"

	_ "modernc.org/sqlite"
)

const (
	KindActor = "actor"
	KindAgent = "agent"

	defaultQueueSize = 1024
)

// Entry 是日志中的一条记录。
type Entry struct {
	ID      int64           `json:"id"`
	Time    time.Time       `json:"time"`
	Kind    string          `json:"kind"`
	Key     string          `json:"key"`
	Agent   string          `json:"agent,omitempty"`
	State   string          `json:"state"`
	Cause   string          `json:"cause,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// Journal 是追加写的事件日志。Watch 收到的事件在后台 goroutine 中写入。
type Journal struct {
	db      *sql.DB
	version int
	queue   chan Entry
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open 打开 path 处的数据库并执行迁移，目录不存在时会创建。
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建日志目录失败: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	version, err := migrate(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j := &Journal{
		db:      db,
		version: version,
		queue:   make(chan Entry, defaultQueueSize),
	}
	j.wg.Add(1)
	go j.run()
	return j, nil
}

// SchemaVersion 返回当前的表结构版本。
func (j *Journal) SchemaVersion() int { return j.version }

func (j *Journal) run() {
	defer j.wg.Done()
	for e := range j.queue {
		if err := j.Record(context.Background(), e); err != nil {
			slog.Error("写入事件日志失败", "kind", e.Kind, "key", e.Key, "err", err)
		}
	}
}

// Record 同步写入一条记录。
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("{}")
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events(ts,kind,entity_key,agent_key,state,cause,payload_json) VALUES (?,?,?,?,?,?,?)`,
		e.Time.UTC().Format(time.RFC3339Nano), e.Kind, e.Key, nullable(e.Agent), e.State, nullable(e.Cause), string(e.Payload))
	return err
}

// Tail 按时间顺序返回最近的 n 条记录。
func (j *Journal) Tail(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id,ts,kind,entity_key,agent_key,state,cause,payload_json FROM events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e            Entry
			ts           string
			agent, cause sql.NullString
			payload      string
		)
		if err := rows.Scan(&e.ID, &ts, &e.Kind, &e.Key, &agent, &e.State, &cause, &payload); err != nil {
			return nil, err
		}
		e.Time, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("解析时间 %q 失败: %w", ts, err)
		}
		e.Agent, e.Cause = agent.String, cause.String
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, k := 0, len(entries)-1; i < k; i, k = i+1, k-1 {
		entries[i], entries[k] = entries[k], entries[i]
	}
	return entries, nil
}

// Watch 把注册表分发的事件加入写入队列，返回取消监听的函数。
func (j *Journal) Watch(actors *registry.ActorRegistry, agents *registry.AgentRegistry) (func(), error) {
	actorListener := registry.NewActorListener(func(msg *fleet.ActorLifecycleMessage) {
		j.enqueue(Entry{
			Time:    msg.Timestamp,
			Kind:    KindActor,
			Key:     string(msg.Key),
			Agent:   string(msg.Agent),
			State:   string(msg.State),
			Cause:   msg.Cause,
			Payload: marshal(msg),
		})
	})
	agentListener := registry.NewAgentListener(func(msg *fleet.AgentLifecycleMessage) {
		j.enqueue(Entry{
			Time:    msg.Timestamp,
			Kind:    KindAgent,
			Key:     string(msg.Key),
			State:   string(msg.State),
			Cause:   msg.Cause,
			Payload: marshal(msg),
		})
	})
	if err := actors.AddListener(actorListener); err != nil {
		return nil, err
	}
	if err := agents.AddListener(agentListener); err != nil {
		actors.RemoveListener(actorListener)
		return nil, err
	}
	return func() {
		actors.RemoveListener(actorListener)
		agents.RemoveListener(agentListener)
	}, nil
}

// enqueue 不会阻塞调用者，队列满时丢弃记录。
func (j *Journal) enqueue(e Entry) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- e:
	default:
		slog.Warn("事件日志队列已满，丢弃记录", "kind", e.Kind, "key", e.Key, "state", e.State)
	}
}

// Close 写完队列中的记录后关闭数据库。
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	j.wg.Wait()
	return j.db.Close()
}

func marshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
