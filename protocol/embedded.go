package protocol

// DecodeEmbedded unwraps a server-delivered EmbeddedMessage envelope,
// yielding the distributed-scope code and body it carries so the
// distributed handler can dispatch it exactly as if it had arrived on
// a real distributed connection. The envelope is
// itself just a framed message whose body is another frame.
func DecodeEmbedded(r *Reader) (*Reader, error) {
	inner, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	return Decode(inner)
}

// EncodeEmbedded wraps a distributed-scope frame inside a server
// ServerEmbeddedMessage envelope.
func EncodeEmbedded(distributedFrame []byte) *Writer {
	w := NewWriter(ServerEmbeddedMessage)
	w.WriteBytes(distributedFrame)
	return w
}
