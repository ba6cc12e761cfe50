package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soulseek-go/soulseek/diagnostics"
	"github.com/soulseek-go/soulseek/protocol"
	"github.com/soulseek-go/soulseek/ratelimit"
	"github.com/soulseek-go/soulseek/transport"
	"github.com/soulseek-go/soulseek/waiter"
)

// PeerConnector is the subset of peer.Manager the engine needs: the
// message connection used to negotiate a transfer, and the transfer
// socket itself. Both directions call AwaitTransferConnection — the
// uploader and the downloader each wait for the same IncomingTransfer
// key, whichever side the PierceFirewall or direct PeerInit "F"
// actually arrives on.
type PeerConnector interface {
	GetOrAddMessageConnection(ctx context.Context, username, endpoint string) (*transport.MessageConnection, error)
	AwaitTransferConnection(ctx context.Context, username string, token int32) (net.Conn, error)
}

// FileSource is the injected resolver for upload file bodies. Open
// returns the file's total size and a reader positioned at offset 0;
// the engine seeks internally if the peer resumes at a nonzero offset.
type FileSource interface {
	Open(ctx context.Context, username, filename string) (io.ReadSeekCloser, int64, error)
}

// FileSink is the injected resolver for download destinations. Create
// returns a writer positioned to append from offset.
type FileSink interface {
	Create(ctx context.Context, username, filename string, offset int64) (io.WriteCloser, error)
}

// ByteCounter is the add-only slice of a metrics counter
// (prometheus.Counter satisfies it).
type ByteCounter interface {
	Add(float64)
}

// Engine runs the upload and download state machines, each as an owned
// goroutine started by Upload/Download and observed through the
// returned Transfer handle.
type Engine struct {
	self    string
	peers   PeerConnector
	waiters *waiter.Registry
	source  FileSource
	sink    FileSink
	options Options
	log     diagnostics.Logger
	diag    diagnostics.Sink

	uploadLimiter   *ratelimit.TokenBucket
	downloadLimiter *ratelimit.TokenBucket

	token int32

	uploadBytes   ByteCounter
	downloadBytes ByteCounter

	globalUploads chan struct{}

	userUploadsMu sync.Mutex
	userUploads   map[string]chan struct{}
}

// NewEngine builds an Engine. source and sink may be nil if this side
// never uploads or never downloads, respectively; the corresponding
// method then fails fast with ErrTransferFailed.
func NewEngine(self string, peers PeerConnector, waiters *waiter.Registry, source FileSource, sink FileSink, opts Options, log diagnostics.Logger, diag diagnostics.Sink) *Engine {
	if diag == nil {
		diag = diagnostics.NullSink{}
	}
	max := opts.MaximumConcurrentUploads
	if max <= 0 {
		max = 1
	}
	if opts.UploadRateInterval <= 0 {
		opts.UploadRateInterval = time.Second
	}
	if opts.DownloadRateInterval <= 0 {
		opts.DownloadRateInterval = time.Second
	}
	return &Engine{
		self:            self,
		peers:           peers,
		waiters:         waiters,
		source:          source,
		sink:            sink,
		options:         opts,
		log:             log,
		diag:            diag,
		uploadLimiter:   ratelimit.New(opts.UploadRateCapacity, opts.UploadRateInterval),
		downloadLimiter: ratelimit.New(opts.DownloadRateCapacity, opts.DownloadRateInterval),
		token:           opts.StartingToken,
		globalUploads:   make(chan struct{}, max),
		userUploads:     make(map[string]chan struct{}),
	}
}

// Close stops the engine's rate limiters. It does not cancel
// in-flight transfers; callers should Cancel each Transfer first.
func (e *Engine) Close() {
	e.uploadLimiter.Close()
	e.downloadLimiter.Close()
}

// SetByteCounters attaches optional transferred-bytes counters, one
// per direction. Either may be nil.
func (e *Engine) SetByteCounters(upload, download ByteCounter) {
	e.uploadBytes = upload
	e.downloadBytes = download
}

func (e *Engine) nextToken() int32 {
	return atomic.AddInt32(&e.token, 1)
}

func (e *Engine) userUploadSlot(username string) chan struct{} {
	e.userUploadsMu.Lock()
	defer e.userUploadsMu.Unlock()
	ch, ok := e.userUploads[username]
	if !ok {
		ch = make(chan struct{}, maximumConcurrentUploadsPerUser)
		e.userUploads[username] = ch
	}
	return ch
}

// negotiate sends a TransferRequest over the peer's message connection
// and awaits the matching PeerTransferResponse, correlated by (username, token) the same
// way peer.Manager correlates a solicited connection.
func (e *Engine) negotiate(ctx context.Context, username string, req protocol.TransferRequestMessage) (protocol.PeerTransferResponseMessage, error) {
	mc, err := e.peers.GetOrAddMessageConnection(ctx, username, "")
	if err != nil {
		return protocol.PeerTransferResponseMessage{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	key := waiter.New(waiter.NamespacePeerTransferResponse, username, req.Token)

	if err := mc.SendFrame(protocol.EncodeTransferRequest(req)); err != nil {
		return protocol.PeerTransferResponseMessage{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	v, err := e.waiters.Wait(ctx, key, e.options.MessageTimeout)
	if err != nil {
		return protocol.PeerTransferResponseMessage{}, err
	}
	resp, ok := v.(protocol.PeerTransferResponseMessage)
	if !ok {
		return protocol.PeerTransferResponseMessage{}, fmt.Errorf("%w: unexpected waiter value %T", ErrTransferFailed, v)
	}
	return resp, nil
}

func (e *Engine) emit(level diagnostics.Level, format string, args ...interface{}) {
	e.diag.Emit(diagnostics.Event{Level: level, Source: "transfer", Message: fmt.Sprintf(format, args...)})
}

// reportProgress drives a ProgressFunc at ≤ ProgressInterval cadence
// from a background ticker, reading the shared counter atomically so
// the streaming loop never blocks on the callback.
func reportProgress(ctx context.Context, interval time.Duration, counter *int64, state State, started time.Time, fn ProgressFunc) (stop func()) {
	if fn == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(Progress{
					BytesTransferred: atomic.LoadInt64(counter),
					ElapsedMs:        time.Since(started).Milliseconds(),
					State:            state,
				})
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

var errNoResolver = fmt.Errorf("%w: no file resolver configured", ErrTransferFailed)
