package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/TAnNbR/fleet/actor"
)

// streamReader 接收远程信封并投递给本地进程。
type streamReader struct {
	remote       *Remote
	deserializer Deserializer
}

func newStreamReader(r *Remote) *streamReader {
	return &streamReader{
		remote:       r,
		deserializer: JSONSerializer{},
	}
}

func (r *streamReader) Receive(stream DRPCRemote_ReceiveStream) error {
	defer slog.Debug("流读取器已终止")

	for {
		envelope, err := stream.Recv()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			slog.Error("流读取器接收失败", "err", err)
			return err
		}
		r.deliver(envelope)
	}
}

// deliver 投递信封中的每一条消息，无法解码的消息被丢弃。
func (r *streamReader) deliver(envelope *Envelope) {
	for _, msg := range envelope.Messages {
		if msg == nil || !inRange(msg.TypeNameIndex, len(envelope.TypeNames)) ||
			!inRange(msg.TargetIndex, len(envelope.Targets)) {
			slog.Error("流读取器收到损坏的消息")
			continue
		}
		tname := envelope.TypeNames[msg.TypeNameIndex]
		payload, err := r.deserializer.Deserialize(msg.Data, tname)
		if err != nil {
			slog.Error("流读取器反序列化失败", "err", err, "type", tname)
			continue
		}
		var sender *actor.PID
		if inRange(msg.SenderIndex, len(envelope.Senders)) {
			sender = envelope.Senders[msg.SenderIndex]
		}
		r.remote.engine.SendLocal(envelope.Targets[msg.TargetIndex], payload, sender)
	}
}

func inRange(i int32, n int) bool {
	return i >= 0 && int(i) < n
}
