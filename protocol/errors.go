package protocol

import "errors"

var (
	// ErrMalformedMessage is returned whenever a length prefix disagrees
	// with the slice it describes, or a field read would overrun the
	// remaining bytes of a frame.
	ErrMalformedMessage = errors.New("protocol: malformed message")

	// ErrUnrecognisedCode tags a code that a scope's code table has no
	// entry for. No decoder in this package returns it; the dispatch
	// loops log and drop frames with unknown codes instead.
	ErrUnrecognisedCode = errors.New("protocol: unrecognised code")
)
