package transfer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/transport"
)

// Upload schedules an upload of filename to username, enforcing the global and per-user
// concurrency caps, and returns a Transfer handle immediately. The
// file body is obtained from the Engine's FileSource at the moment the
// slot is acquired, not at call time, so a caller can enqueue many
// uploads without holding that many files open at once.
func (e *Engine) Upload(ctx context.Context, username, filename string, progress ProgressFunc) (*Transfer, error) {
	if e.source == nil {
		return nil, fmt.Errorf("%w: upload", errNoResolver)
	}

	ctx, cancel := context.WithCancel(ctx)
	token := e.nextToken()
	t := newTransfer(username, filename, token, 0, cancel)

	go e.runUpload(ctx, t, username, filename, token, progress)
	return t, nil
}

func (e *Engine) runUpload(ctx context.Context, t *Transfer, username, filename string, token int32, progress ProgressFunc) {
	userSlot := e.userUploadSlot(username)

	select {
	case e.globalUploads <- struct{}{}:
	case <-ctx.Done():
		t.finish(Cancelled, ErrCancelled)
		return
	}
	defer func() { <-e.globalUploads }()

	select {
	case userSlot <- struct{}{}:
	case <-ctx.Done():
		t.finish(Cancelled, ErrCancelled)
		return
	}
	defer func() { <-userSlot }()

	t.setState(Initializing)

	file, size, err := e.source.Open(ctx, username, filename)
	if err != nil {
		e.emit(diagnostics.Warning, "upload: open %s/%s failed: %v", username, filename, err)
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	defer file.Close()
	t.Size = size

	resp, err := e.negotiate(ctx, username, protocol.TransferRequestMessage{
		Direction: 1,
		Token:     token,
		Filename:  filename,
		Size:      uint64(size),
	})
	if err != nil {
		t.finish(Errored, err)
		return
	}
	if !resp.Allowed {
		e.emit(diagnostics.Info, "upload: %s rejected %s: %s", username, filename, resp.Reason)
		t.finish(Errored, fmt.Errorf("%w: %s", ErrTransferRejected, resp.Reason))
		return
	}

	conn, err := e.peers.AwaitTransferConnection(ctx, username, token)
	if err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	c := transport.Accepted(transport.KindPeerTransfer, conn, transport.Options{}, e.log)
	tc := transport.NewTransferConnection(c, e.uploadLimiter)
	defer tc.Disconnect(nil)

	if err := tc.Write(protocol.EncodeTransferToken(token)); err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}

	// The downloader answers the token with the offset it wants to
	// resume from; stream from there.
	offsetBuf, err := c.Read(8)
	if err != nil {
		t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
		return
	}
	offset, err := protocol.DecodeTransferOffset(offsetBuf)
	if err != nil || offset < 0 || offset > size {
		t.finish(Errored, fmt.Errorf("%w: bad resume offset", ErrTransferFailed))
		return
	}
	if offset > 0 {
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, err))
			return
		}
	}

	t.setState(Transferring)
	var sent int64
	stop := reportProgress(ctx, e.options.ProgressInterval, &sent, Transferring, t.started, progress)
	defer stop()

	buf := make([]byte, 32*1024)
	for {
		n, rerr := file.Read(buf)
		if n > 0 {
			if werr := tc.WriteThrottled(ctx, buf[:n]); werr != nil {
				t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, werr))
				return
			}
			atomic.AddInt64(&sent, int64(n))
			if e.uploadBytes != nil {
				e.uploadBytes.Add(float64(n))
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			t.finish(Errored, fmt.Errorf("%w: %v", ErrTransferFailed, rerr))
			return
		}
		select {
		case <-ctx.Done():
			t.finish(Cancelled, ErrCancelled)
			return
		default:
		}
	}

	e.emit(diagnostics.Info, "upload: %s/%s complete (%d bytes)", username, filename, sent)
	t.finish(Completed, nil)
}
