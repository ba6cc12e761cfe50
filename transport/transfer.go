package transport

import (
	"context"

	"github.com/soulseek-go/soulseek/ratelimit"
)

// Progress is a bytes/elapsed snapshot of a transfer stream.
// TransferConnection does not report progress itself, and the transfer
// engine reports its own transfer.Progress values rather than this type.
type Progress struct {
	BytesTransferred int64
	ElapsedMs        int64
}

// TransferConnection exposes a raw byte stream over a Connection,
// throttled by an externally supplied rate limiter. It does not frame its payload: once the
// initial token/offset handshake completes, bytes flow directly.
type TransferConnection struct {
	*Connection
	limiter *ratelimit.TokenBucket
}

// NewTransferConnection wraps a Connected Connection with a rate
// limiter. limiter may be nil, meaning unthrottled.
func NewTransferConnection(c *Connection, limiter *ratelimit.TokenBucket) *TransferConnection {
	return &TransferConnection{Connection: c, limiter: limiter}
}

// ReadThrottled reads up to len(buf) bytes, first acquiring that many
// tokens (or fewer, if the bucket grants a partial amount) from the
// rate limiter.
func (t *TransferConnection) ReadThrottled(ctx context.Context, buf []byte) (int, error) {
	n := len(buf)
	if t.limiter != nil {
		granted, err := t.limiter.Get(ctx, n)
		if err != nil {
			return 0, err
		}
		n = granted
	}
	c := t.Connection
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrConnectionClosed
	}
	read, err := conn.Read(buf[:n])
	if read > 0 {
		c.resetInactivity()
	}
	return read, err
}

// WriteThrottled writes buf in rate-limited chunks, blocking between
// chunks as the bucket allows, and never writing a partial frame to
// the socket itself (each chunk is a complete Write call).
func (t *TransferConnection) WriteThrottled(ctx context.Context, buf []byte) error {
	for len(buf) > 0 {
		chunk := len(buf)
		if t.limiter != nil {
			granted, err := t.limiter.Get(ctx, chunk)
			if err != nil {
				return err
			}
			chunk = granted
		}
		if chunk == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}
		if err := t.Connection.Write(buf[:chunk]); err != nil {
			return err
		}
		buf = buf[chunk:]
	}
	return nil
}
