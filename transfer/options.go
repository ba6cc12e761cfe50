package transfer

import "time"

// maximumConcurrentUploadsPerUser must stay 1: several peer clients
// mis-handle a second simultaneous upload from the same user.
const maximumConcurrentUploadsPerUser = 1

// Options configures an Engine.
type Options struct {
	// MaximumConcurrentUploads bounds the number of uploads streaming
	// at once across all users.
	MaximumConcurrentUploads int

	UploadRateCapacity   int
	UploadRateInterval   time.Duration
	DownloadRateCapacity int
	DownloadRateInterval time.Duration

	// ProgressInterval bounds progress callback cadence.
	ProgressInterval time.Duration

	StartingToken int32

	MessageTimeout time.Duration
}

// DefaultOptions leaves transfers effectively unthrottled by giving
// both buckets a large capacity, with a conservative upload cap and a
// 100ms progress cadence.
func DefaultOptions() Options {
	return Options{
		MaximumConcurrentUploads: 10,
		UploadRateCapacity:       1 << 20,
		UploadRateInterval:       time.Second,
		DownloadRateCapacity:     1 << 20,
		DownloadRateInterval:     time.Second,
		ProgressInterval:         100 * time.Millisecond,
		MessageTimeout:           5 * time.Second,
	}
}
