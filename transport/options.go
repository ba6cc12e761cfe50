package transport

import "time"

// ProxyOptions configures an optional upstream proxy.
type ProxyOptions struct {
	Host string
	Port int
	User string
	Pass string
}

// Options configures a Connection. Server and transfer connections are
// constructed with InactivityTimeout == 0, which this package treats
// as "suppressed".
type Options struct {
	ReadBufferSize    int
	WriteBufferSize   int
	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	Proxy             *ProxyOptions
}

// DefaultOptions mirrors the defaults a real client would ship: modest
// buffers, a five-second connect timeout, and a one-minute inactivity
// timeout for message-framed connections. Server and transfer
// connections must override InactivityTimeout to 0 explicitly.
func DefaultOptions() Options {
	return Options{
		ReadBufferSize:    64 * 1024,
		WriteBufferSize:   64 * 1024,
		ConnectTimeout:    5 * time.Second,
		InactivityTimeout: time.Minute,
	}
}
