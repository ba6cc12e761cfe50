package protocol

import "encoding/binary"

// EncodeTransferToken produces the raw 4-byte little-endian token
// written as the first bytes on a freshly established transfer
// connection. It
// is deliberately unframed — unlike server/peer/distributed messages,
// a transfer connection carries no length-prefixed envelope, only the
// token followed directly by the file body.
func EncodeTransferToken(token int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(token))
	return b[:]
}

// DecodeTransferToken reads the token back out of the 4 bytes a peer
// sends at the start of a transfer connection.
func DecodeTransferToken(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, ErrMalformedMessage
	}
	return int32(binary.LittleEndian.Uint32(b[:4])), nil
}

// EncodeTransferOffset produces the raw 8-byte little-endian resume
// offset a downloader writes immediately after the token, before any
// file bytes flow.
func EncodeTransferOffset(offset int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(offset))
	return b[:]
}

// DecodeTransferOffset reads the 8-byte resume offset back.
func DecodeTransferOffset(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, ErrMalformedMessage
	}
	return int64(binary.LittleEndian.Uint64(b[:8])), nil
}
