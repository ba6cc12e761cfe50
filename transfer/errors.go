package transfer

import "errors"

var (
	// ErrTransferRejected wraps the reason a peer's PeerTransferResponse
	// gave for disallowing a transfer.
	ErrTransferRejected = errors.New("transfer: rejected by peer")
	ErrTransferFailed   = errors.New("transfer: failed")
	ErrCancelled        = errors.New("transfer: cancelled")
)
