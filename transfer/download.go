package transfer

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
)

// Download schedules a download of filename from username, mirroring
// Upload with the direction reversed. offset resumes a
// partial download; pass 0 for a fresh one.
func (e *Engine) Download(ctx context.Context, username, filename string, offset int64, progress ProgressFunc) (*Transfer, error) {
	if e.sink == nil {
		return nil, fmt.Errorf("%w: download", errNoResolver)
	}

	ctx, cancel := context.WithCancel(ctx)
	token := e.nextToken()
	t := newTransfer(username, filename, token, 0, cancel)

	go e.runDownload(ctx, t, username, filename, token, offset, progress)
	return t, nil
}

func (e *Engine) runDownload(ctx context.Context, t *Transfer, username, filename string, token int32, offset int64, progress ProgressFunc) {
	t.setState(Initializing)

	resp, err := e.negotiate(ctx, username, protocol.TransferRequestMessage{
		Direction: 0,
		Token:     token,
		Filename:  filename,
	})
	if err != nil {
		t.finish(Errored, err)
		return
	}
	if !resp.Allowed {
		e.emit(diagnostics.Info, "download: %s rejected %s: %s", username, filename, resp.Reason)
		t.finish(Errored, fmt.Errorf("%w: %s", ErrTransferRejected, resp.Reason))
		return
	}

	conn, err := e.peers.AwaitTransferConnection(ctx, username, token)
	if err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	c := transport.Accepted(transport.KindPeerTransfer, conn, transport.Options{}, e.log)
	tc := transport.NewTransferConnection(c, e.downloadLimiter)
	defer tc.Disconnect(nil)

	tokenBuf, err := c.Read(4)
	if err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	got, err := protocol.DecodeTransferToken(tokenBuf)
	if err != nil || got != token {
		t.finish(Errored, fmt.Errorf("%w: token mismatch on transfer connection", ErrTransferFailed))
		return
	}

	writer, err := e.sink.Create(ctx, username, filename, offset)
	if err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	defer writer.Close()

	if err := tc.Write(protocol.EncodeTransferOffset(offset)); err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}

	t.setState(Transferring)
	var received int64
	stop := reportProgress(ctx, e.options.ProgressInterval, &received, Transferring, t.started, progress)
	defer stop()

	buf := make([]byte, 32*1024)
	for {
		select {
		case <-ctx.Done():
			t.finish(Cancelled, ErrCancelled)
			return
		default:
		}

		n, rerr := tc.ReadThrottled(ctx, buf)
		if n > 0 {
			if _, werr := writer.Write(buf[:n]); werr != nil {
				t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, werr))
				return
			}
			atomic.AddInt64(&received, int64(n))
			if e.downloadBytes != nil {
				e.downloadBytes.Add(float64(n))
			}
		}
		if rerr != nil {
			break // peer closing the connection signals end of file in this raw byte-stream protocol.
		}
	}

	e.emit(diagnostics.Info, "download: %s/%s complete (%d bytes)", username, filename, atomic.LoadInt64(&received))
	t.finish(Completed, nil)
}
