package transport

import (
	"encoding/binary"
	"sync"
)

// MessageConnection layers Soulseek's length-prefixed framing over a
// Connection, emitting each decoded frame's raw bytes (length+code+body)
// on a channel as it arrives. The caller is responsible for interpreting
// the frame with protocol.Decode and whatever code table applies to its
// scope — MessageConnection itself is scope-agnostic.
type MessageConnection struct {
	*Connection

	received chan []byte
	done     chan struct{}
	closeErr error

	closeOnce sync.Once
}

// NewMessageConnection wraps an already-Connected Connection and starts
// its read loop. The Connection must already be in state Connected
// (either via Connect or Accepted).
func NewMessageConnection(c *Connection) *MessageConnection {
	mc := &MessageConnection{
		Connection: c,
		received:   make(chan []byte, 32),
		done:       make(chan struct{}),
	}
	go mc.readLoop()
	return mc
}

// Received yields each frame's raw bytes in arrival order. The channel
// is closed when the connection disconnects.
func (mc *MessageConnection) Received() <-chan []byte {
	return mc.received
}

func (mc *MessageConnection) readLoop() {
	defer close(mc.received)
	for {
		header, err := mc.Connection.Read(4)
		if err != nil {
			mc.Disconnect(err)
			return
		}
		length := binary.LittleEndian.Uint32(header)
		body, err := mc.Connection.Read(int(length))
		if err != nil {
			mc.Disconnect(err)
			return
		}
		frame := make([]byte, 4+len(body))
		copy(frame, header)
		copy(frame[4:], body)

		select {
		case mc.received <- frame:
		case <-mc.done:
			return
		}
	}
}

// SendFrame writes a pre-encoded len||code||body frame as a single
// Write call, serialized with other writers. It takes no context; a
// failed write returns an error wrapping ErrConnectionClosed and does
// not disconnect the connection.
func (mc *MessageConnection) SendFrame(frame []byte) error {
	return mc.Connection.Write(frame)
}

// Close disconnects the underlying connection and stops the read loop.
func (mc *MessageConnection) Close(reason error) {
	mc.closeOnce.Do(func() {
		mc.closeErr = reason
		close(mc.done)
	})
	mc.Disconnect(reason)
}
