package protocol

import (
	"encoding/binary"
	"fmt"
)

// Writer accumulates a message body field by field and finally
// produces a length-prefixed frame with Finish. It is deliberately
// not an io.Writer: the length prefix can only be computed once every
// field has been appended, so encoding always buffers in memory
// first, matching the size of a single Soulseek message.
type Writer struct {
	code MessageCode
	body []byte
}

// NewWriter starts a new frame for the given code.
func NewWriter(code MessageCode) *Writer {
	w := &Writer{code: code}
	w.body = make([]byte, 4)
	binary.LittleEndian.PutUint32(w.body, uint32(code))
	return w
}

func (w *Writer) WriteUint8(v uint8) *Writer {
	w.body = append(w.body, v)
	return w
}

func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.body = append(w.body, b[:]...)
	return w
}

func (w *Writer) WriteInt32(v int32) *Writer {
	return w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) *Writer {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.body = append(w.body, b[:]...)
	return w
}

func (w *Writer) WriteString(v string) *Writer {
	w.WriteUint32(uint32(len(v)))
	w.body = append(w.body, v...)
	return w
}

func (w *Writer) WriteBytes(v []byte) *Writer {
	w.WriteUint32(uint32(len(v)))
	w.body = append(w.body, v...)
	return w
}

// WriteIP encodes a 4-byte IPv4 address with the protocol's
// byte-order-reversed quirk.
func (w *Writer) WriteIP(ip [4]byte) *Writer {
	var reversed [4]byte
	for i := range ip {
		reversed[i] = ip[len(ip)-1-i]
	}
	w.body = append(w.body, reversed[:]...)
	return w
}

// Finish produces the final len||code||body frame.
func (w *Writer) Finish() []byte {
	out := make([]byte, 4+len(w.body))
	binary.LittleEndian.PutUint32(out, uint32(len(w.body)))
	copy(out[4:], w.body)
	return out
}

// Reader walks the body of a decoded frame field by field. Every
// accessor checks bounds and returns ErrMalformedMessage on overrun
// instead of panicking, since frames arrive from an untrusted peer.
type Reader struct {
	Code MessageCode
	buf  []byte
	pos  int
}

func (r *Reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) ReadUint8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, ErrMalformedMessage
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, ErrMalformedMessage
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	if r.remaining() < 8 {
		return 0, ErrMalformedMessage
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if r.remaining() < int(n) {
		return "", ErrMalformedMessage
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if r.remaining() < int(n) {
		return nil, ErrMalformedMessage
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

func (r *Reader) ReadIP() ([4]byte, error) {
	var out [4]byte
	if r.remaining() < 4 {
		return out, ErrMalformedMessage
	}
	var reversed [4]byte
	copy(reversed[:], r.buf[r.pos:r.pos+4])
	r.pos += 4
	for i := range reversed {
		out[i] = reversed[len(reversed)-1-i]
	}
	return out, nil
}

// Done reports whether every byte of the body has been consumed. Not
// an error by itself — some messages are followed by optional trailing
// fields older clients omit — but handlers that expect an exact
// layout can use it to detect trailing garbage.
func (r *Reader) Done() bool {
	return r.remaining() == 0
}

// Decode splits a raw length-prefixed frame (as produced by Writer.Finish
// and delivered by a Connection) into its code and a Reader positioned
// after the code word. It fails with ErrMalformedMessage if the length
// prefix disagrees with the slice length or the body is too short to
// contain a code.
func Decode(frame []byte) (*Reader, error) {
	if len(frame) < 8 {
		return nil, fmt.Errorf("%w: frame shorter than length+code header", ErrMalformedMessage)
	}
	length := binary.LittleEndian.Uint32(frame[:4])
	if int(length) != len(frame)-4 {
		return nil, fmt.Errorf("%w: declared length %d does not match %d available bytes", ErrMalformedMessage, length, len(frame)-4)
	}
	code := binary.LittleEndian.Uint32(frame[4:8])
	return &Reader{Code: MessageCode(code), buf: frame[8:]}, nil
}
