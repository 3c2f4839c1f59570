package remote

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Serializer 是序列化器接口。
type Serializer interface {
	Serialize(msg any) ([]byte, error)
	TypeName(any) string
}

// Deserializer 是反序列化器接口。
type Deserializer interface {
	Deserialize([]byte, string) (any, error)
}

// JSONSerializer 用 JSON 编码消息，类型信息来自 RegisterType 注册的类型表。
type JSONSerializer struct{}

// Serialize 序列化消息，未注册的类型返回错误。
func (s JSONSerializer) Serialize(msg any) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("不能序列化 nil 消息")
	}
	if _, err := registryGetType(s.TypeName(msg)); err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// TypeName 返回消息的类型名称。
func (JSONSerializer) TypeName(msg any) string {
	t := reflect.TypeOf(msg)
	if t == nil {
		return ""
	}
	return typeName(t)
}

// Deserialize 按类型名创建新值并反序列化。指针类型返回指针，值类型返回值。
func (JSONSerializer) Deserialize(data []byte, tname string) (any, error) {
	t, err := registryGetType(tname)
	if err != nil {
		return nil, err
	}
	if t.Kind() == reflect.Pointer {
		v := reflect.New(t.Elem())
		if err := json.Unmarshal(data, v.Interface()); err != nil {
			return nil, fmt.Errorf("反序列化 %s 失败: %w", tname, err)
		}
		return v.Interface(), nil
	}
	v := reflect.New(t)
	if err := json.Unmarshal(data, v.Interface()); err != nil {
		return nil, fmt.Errorf("反序列化 %s 失败: %w", tname, err)
	}
	return v.Elem().Interface(), nil
}
