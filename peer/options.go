package peer

import (
	"time"

	"github.com/soulseek-go/soulseek/transport"
)

// Options configures a Manager. ConnectionOptions is used for every
// outbound and adopted peer connection; MessageTimeout bounds the wait
// for an indirect (PierceFirewall) resolution.
type Options struct {
	ConnectionOptions transport.Options
	MessageTimeout    time.Duration
	StartingToken     int32
}

// DefaultOptions uses the conventional 5-second reply timeout.
func DefaultOptions() Options {
	return Options{
		ConnectionOptions: transport.DefaultOptions(),
		MessageTimeout:    5 * time.Second,
	}
}
