package remote

import (
	"context"
	"encoding/json"

	"github.com/TAnNbR/fleet/actor"
	"storj.io/drpc"
)

// Envelope 是一次批量发送的消息。PID 和类型名只出现一次，消息通过下标引用它们。
type Envelope struct {
	Senders   []*actor.PID `json:"senders,omitempty"`
	Targets   []*actor.PID `json:"targets"`
	TypeNames []string     `json:"typeNames"`
	Messages  []*Message   `json:"messages"`
}

// Message 是信封中的一条消息。SenderIndex 为 -1 表示没有发送者。
type Message struct {
	Data          json.RawMessage `json:"data"`
	TypeNameIndex int32           `json:"typeNameIndex"`
	TargetIndex   int32           `json:"targetIndex"`
	SenderIndex   int32           `json:"senderIndex"`
}

const rpcReceive = "/fleet.remote.Remote/Receive"

// jsonEncoding 是 drpc 的 JSON 编码。
type jsonEncoding struct{}

func (jsonEncoding) Marshal(msg drpc.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonEncoding) Unmarshal(buf []byte, msg drpc.Message) error {
	return json.Unmarshal(buf, msg)
}

// DRPCRemoteClient 是远程服务的客户端。
type DRPCRemoteClient interface {
	DRPCConn() drpc.Conn
	Receive(ctx context.Context) (DRPCRemote_ReceiveClient, error)
}

type drpcRemoteClient struct {
	cc drpc.Conn
}

func NewDRPCRemoteClient(cc drpc.Conn) DRPCRemoteClient {
	return &drpcRemoteClient{cc: cc}
}

func (c *drpcRemoteClient) DRPCConn() drpc.Conn { return c.cc }

// Receive 打开一条单向的信封流。
func (c *drpcRemoteClient) Receive(ctx context.Context) (DRPCRemote_ReceiveClient, error) {
	stream, err := c.cc.NewStream(ctx, rpcReceive, jsonEncoding{})
	if err != nil {
		return nil, err
	}
	return &drpcRemote_ReceiveClient{Stream: stream}, nil
}

// DRPCRemote_ReceiveClient 是客户端一侧的信封流。
type DRPCRemote_ReceiveClient interface {
	drpc.Stream
	Send(*Envelope) error
}

type drpcRemote_ReceiveClient struct {
	drpc.Stream
}

func (x *drpcRemote_ReceiveClient) Send(m *Envelope) error {
	return x.MsgSend(m, jsonEncoding{})
}

// DRPCRemoteServer 是远程服务的服务端。
type DRPCRemoteServer interface {
	Receive(DRPCRemote_ReceiveStream) error
}

// DRPCRemote_ReceiveStream 是服务端一侧的信封流。
type DRPCRemote_ReceiveStream interface {
	drpc.Stream
	Recv() (*Envelope, error)
}

type drpcRemote_ReceiveStream struct {
	drpc.Stream
}

func (x *drpcRemote_ReceiveStream) Recv() (*Envelope, error) {
	m := new(Envelope)
	if err := x.MsgRecv(m, jsonEncoding{}); err != nil {
		return nil, err
	}
	return m, nil
}

// DRPCRemoteDescription 向 drpcmux 描述远程服务。
type DRPCRemoteDescription struct{}

func (DRPCRemoteDescription) NumMethods() int { return 1 }

func (DRPCRemoteDescription) Method(n int) (string, drpc.Encoding, drpc.Receiver, interface{}, bool) {
	switch n {
	case 0:
		return rpcReceive, jsonEncoding{},
			func(srv interface{}, ctx context.Context, in1, in2 interface{}) (drpc.Message, error) {
				return nil, srv.(DRPCRemoteServer).Receive(&drpcRemote_ReceiveStream{Stream: in1.(drpc.Stream)})
			}, DRPCRemoteServer.Receive, true
	default:
		return "", nil, nil, nil, false
	}
}

// DRPCRegisterRemote 把远程服务注册到 mux。
func DRPCRegisterRemote(mux drpc.Mux, impl DRPCRemoteServer) error {
	return mux.Register(impl, DRPCRemoteDescription{})
}
