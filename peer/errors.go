package peer

import "errors"

var (
	ErrConnectionFailed = errors.New("peer: both direct and indirect connection attempts failed")
	ErrNotFound         = errors.New("peer: no connection on record for username")
)

// DownloadEnqueueException is the typed rejection an EnqueueDownload
// capability returns to refuse a QueueDownload request with a specific
// reason. Any other error from the
// capability is translated to a generic failure reason instead.
type DownloadEnqueueException struct {
	Message string
}

func (e *DownloadEnqueueException) Error() string { return e.Message }

