// Package pipeline runs the two halves of the stream: the sender loop
// (capture, compress, seal, fragment, send) and the receiver loop
// (reassemble, open, decompress, display).
package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// frameBodyHeaderSize is the capture timestamp prefix of a frame body.
const frameBodyHeaderSize = 8

// ErrShortBody is returned for a decrypted frame body without its
// timestamp prefix.
var ErrShortBody = errors.New("pipeline: frame body too short")

// EncodeFrameBody lays out the plaintext that gets sealed:
// [8B capture time, unix nanos, int64 big-endian][JPEG].
func EncodeFrameBody(capturedAt time.Time, jpeg []byte) []byte { // A
	body := make([]byte, frameBodyHeaderSize, frameBodyHeaderSize+len(jpeg))
	// #nosec G115 -- round-trips through DecodeFrameBody's int64 cast.
	binary.BigEndian.PutUint64(body, uint64(capturedAt.UnixNano()))
	return append(body, jpeg...)
}

// DecodeFrameBody splits a frame body. The returned JPEG aliases body.
func DecodeFrameBody(body []byte) (time.Time, []byte, error) { // A
	if len(body) < frameBodyHeaderSize {
		return time.Time{}, nil, fmt.Errorf("%w: %d bytes", ErrShortBody, len(body))
	}
	// #nosec G115 -- written by EncodeFrameBody from an int64.
	nanos := int64(binary.BigEndian.Uint64(body[:frameBodyHeaderSize]))
	return time.Unix(0, nanos), body[frameBodyHeaderSize:], nil
}
