package remote

import (
	"bytes"
	"encoding/json"
)

// Payload 包装一个任意类型的已注册消息，使它可以作为其他消息的字段跨节点传输。
type Payload struct {
	Value any
}

type payloadWire struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewPayload 包装 v。
func NewPayload(v any) Payload {
	return Payload{Value: v}
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Value == nil {
		return []byte("null"), nil
	}
	s := JSONSerializer{}
	data, err := s.Serialize(p.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadWire{Type: s.TypeName(p.Value), Data: data})
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		p.Value = nil
		return nil
	}
	var w payloadWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	v, err := JSONSerializer{}.Deserialize(w.Data, w.Type)
	if err != nil {
		return err
	}
	p.Value = v
	return nil
}
