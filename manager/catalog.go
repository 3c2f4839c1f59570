package manager

import (
	"fmt"
	"sort"
	"sync"

	"github.com/TAnNbR/fleet/fleet"
)

// Factory 创建一个新的 Reactor 实例。
type Factory func() Reactor

// Catalog 按实现名称保存 Reactor 工厂，由调用者创建并注入，不使用全局变量。
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// Register 注册实现，名称重复时返回 ErrInvalidArgument。
func (c *Catalog) Register(name string, f Factory) error {
	if name == "" || f == nil {
		return fmt.Errorf("%w: 实现名称和工厂不能为空", fleet.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.factories[name]; ok {
		return fmt.Errorf("%w: 实现 %s 已注册", fleet.ErrInvalidArgument, name)
	}
	c.factories[name] = f
	return nil
}

// MustRegister 与 Register 相同，失败时 panic。
func (c *Catalog) MustRegister(name string, f Factory) {
	if err := c.Register(name, f); err != nil {
		panic(err)
	}
}

// New 创建名为 name 的实现。工厂的 panic 会被转换成错误。
func (c *Catalog) New(name string) (r Reactor, err error) {
	c.mu.RLock()
	f, ok := c.factories[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", fleet.ErrUnknownImplementation, name)
	}
	defer func() {
		if v := recover(); v != nil {
			r, err = nil, fmt.Errorf("创建实现 %s 时 panic: %v", name, v)
		}
	}()
	r = f()
	if r == nil {
		return nil, fmt.Errorf("实现 %s 的工厂返回了 nil", name)
	}
	return r, nil
}

// Names 返回排序后的实现名称。
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
