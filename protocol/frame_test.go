package protocol

import (
	"errors"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	frame := NewWriter(Login).
		WriteString("alice").
		WriteString("secret").
		WriteUint32(157).
		WriteString("deadbeef").
		WriteUint32(0).
		Finish()

	r, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if r.Code != Login {
		t.Fatalf("expected code %d, got %d", Login, r.Code)
	}

	username, err := r.ReadString()
	if err != nil || username != "alice" {
		t.Fatalf("username: %q, %v", username, err)
	}
	password, err := r.ReadString()
	if err != nil || password != "secret" {
		t.Fatalf("password: %q, %v", password, err)
	}
	version, err := r.ReadUint32()
	if err != nil || version != 157 {
		t.Fatalf("version: %d, %v", version, err)
	}
	hash, err := r.ReadString()
	if err != nil || hash != "deadbeef" {
		t.Fatalf("hash: %q, %v", hash, err)
	}
	if _, err := r.ReadUint32(); err != nil {
		t.Fatalf("trailing uint32: %v", err)
	}
	if !r.Done() {
		t.Fatalf("expected reader exhausted")
	}
}

func TestFrame_LoginWireShape(t *testing.T) {
	// Login frame shape: the length prefix covers the body and the code
	// word is 1.
	frame := NewWriter(Login).
		WriteString("u").
		WriteString("p").
		WriteUint32(157).
		WriteString("up-hash").
		WriteUint32(0).
		Finish()

	body := frame[4:]
	if len(body)+4 != len(frame) {
		t.Fatalf("inconsistent frame construction")
	}

	r, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if r.Code != 1 {
		t.Fatalf("Login code must be 1, got %d", r.Code)
	}
}

func TestDecode_TruncatedFrame(t *testing.T) {
	frame := NewWriter(ServerPing).WriteUint32(42).Finish()
	truncated := frame[:len(frame)-2]
	if _, err := Decode(truncated); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestReader_OverrunFails(t *testing.T) {
	frame := NewWriter(ServerPing).Finish()
	r, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := r.ReadString(); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage reading past body end, got %v", err)
	}
}

func TestWriter_IPByteOrderReversed(t *testing.T) {
	w := NewWriter(GetPeerAddress)
	w.WriteIP([4]byte{192, 168, 1, 100})
	frame := w.Finish()
	r, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ip, err := r.ReadIP()
	if err != nil {
		t.Fatalf("read ip: %v", err)
	}
	if ip != [4]byte{192, 168, 1, 100} {
		t.Fatalf("ip round-trip mismatch: %v", ip)
	}
}

func TestFileRecord_RoundTrip(t *testing.T) {
	w := NewWriter(SearchResponse)
	WriteFileRecord(w, FileRecord{
		Code:      1,
		Filename:  "music/song.flac",
		Size:      123456,
		Extension: "flac",
		Attributes: []Attribute{
			{Type: 0, Value: 1411},
			{Type: 1, Value: 245},
		},
	})
	frame := w.Finish()
	r, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, err := ReadFileRecord(r)
	if err != nil {
		t.Fatalf("read file record: %v", err)
	}
	if f.Filename != "music/song.flac" || f.Size != 123456 || len(f.Attributes) != 2 {
		t.Fatalf("unexpected record: %#v", f)
	}
}

func TestPeerInit_RoundTrip(t *testing.T) {
	raw := EncodePeerInit(PeerInit{Username: "alice", ConnectionType: ConnTypePeerMessage, Token: 7})
	r, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	m, err := DecodePeerInit(r)
	if err != nil {
		t.Fatalf("decode peer init: %v", err)
	}
	if m.Username != "alice" || m.ConnectionType != ConnTypePeerMessage || m.Token != 7 {
		t.Fatalf("unexpected peer init: %#v", m)
	}
}

func TestEmbeddedMessage_RoundTrip(t *testing.T) {
	distributed := NewWriter(SearchRequest).WriteInt32(42).WriteString("bob").WriteString("flac").Finish()
	envelope := EncodeEmbedded(distributed).Finish()

	r, err := Decode(envelope)
	if err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if r.Code != ServerEmbeddedMessage {
		t.Fatalf("expected ServerEmbeddedMessage code, got %d", r.Code)
	}

	inner, err := DecodeEmbedded(r)
	if err != nil {
		t.Fatalf("decode embedded: %v", err)
	}
	if inner.Code != SearchRequest {
		t.Fatalf("expected SearchRequest code, got %d", inner.Code)
	}
	token, err := inner.ReadInt32()
	if err != nil || token != 42 {
		t.Fatalf("token: %d, %v", token, err)
	}
}
