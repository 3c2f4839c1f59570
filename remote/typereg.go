package remote

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/TAnNbR/fleet/actor"
)

// registry 是跨节点传输的消息类型表，键为带包路径的类型名。
var registry = struct {
	sync.RWMutex
	types map[string]reflect.Type
}{types: make(map[string]reflect.Type)}

// RegisterType 注册一个可以跨节点传输的类型，值类型和指针类型都会被注册。
//
//	remote.RegisterType(&MyMessage{})
func RegisterType(v any) {
	t := reflect.TypeOf(v)
	if t == nil {
		return
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	registry.Lock()
	defer registry.Unlock()
	registry.types[typeName(t)] = t
	pt := reflect.PointerTo(t)
	registry.types[typeName(pt)] = pt
}

// registryGetType 从注册表获取类型。
func registryGetType(name string) (reflect.Type, error) {
	registry.RLock()
	defer registry.RUnlock()
	if t, ok := registry.types[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("给定类型 (%s) 未注册。你是否忘记使用 remote.RegisterType(&instance{}) 注册你的类型？", name)
}

func typeName(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		return "*" + typeName(t.Elem())
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

func init() {
	RegisterType(&actor.PID{})
	RegisterType(&actor.Ping{})
	RegisterType("")
	RegisterType([]byte(nil))
}
