// Package wire defines the datagram header that prefixes every chunk of an
// encrypted frame.
//
// Wire format (big-endian, HeaderSize bytes):
//
//	[4B frame_id uint32]
//	[2B chunk_index uint16]
//	[2B chunk_count uint16]
//	[N bytes chunk payload]
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed overhead of every datagram.
	HeaderSize = 8

	// MaxChunkCount is the largest chunk count the header can carry.
	MaxChunkCount = int(^uint16(0))

	// MaxUDPPayload is the largest payload a single IPv4 UDP datagram
	// can carry.
	MaxUDPPayload = 65507

	// DefaultMaxDatagramSize fits a 1500 byte Ethernet MTU after the
	// IPv4 (20B) and UDP (8B) headers.
	DefaultMaxDatagramSize = 1472
)

var (
	// ErrTruncated is returned for datagrams shorter than HeaderSize.
	ErrTruncated = errors.New("wire: datagram shorter than header")
	// ErrZeroChunkCount is returned when chunk_count is zero.
	ErrZeroChunkCount = errors.New("wire: chunk count is zero")
	// ErrIndexOutOfRange is returned when chunk_index >= chunk_count.
	ErrIndexOutOfRange = errors.New("wire: chunk index out of range")
)

// Header identifies one chunk of one frame.
type Header struct { // A
	FrameID    uint32
	ChunkIndex uint16
	ChunkCount uint16
}

// Validate checks the index/count invariant.
func (h Header) Validate() error { // A
	if h.ChunkCount == 0 {
		return ErrZeroChunkCount
	}
	if h.ChunkIndex >= h.ChunkCount {
		return fmt.Errorf(
			"%w: index %d, count %d",
			ErrIndexOutOfRange,
			h.ChunkIndex,
			h.ChunkCount,
		)
	}
	return nil
}

// Put writes h into the first HeaderSize bytes of dst. dst must be at
// least HeaderSize long.
func (h Header) Put(dst []byte) { // A
	binary.BigEndian.PutUint32(dst[0:4], h.FrameID)
	binary.BigEndian.PutUint16(dst[4:6], h.ChunkIndex)
	binary.BigEndian.PutUint16(dst[6:8], h.ChunkCount)
}

// AppendDatagram appends header and payload to dst and returns the
// extended slice.
func AppendDatagram( // A
	dst []byte,
	h Header,
	payload []byte,
) []byte {
	var hdr [HeaderSize]byte
	h.Put(hdr[:])
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// ParseDatagram splits a datagram into header and payload. The payload
// aliases data. A parsed header always satisfies Validate.
func ParseDatagram( // A
	data []byte,
) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf(
			"%w: %d bytes",
			ErrTruncated,
			len(data),
		)
	}
	h := Header{
		FrameID:    binary.BigEndian.Uint32(data[0:4]),
		ChunkIndex: binary.BigEndian.Uint16(data[4:6]),
		ChunkCount: binary.BigEndian.Uint16(data[6:8]),
	}
	if err := h.Validate(); err != nil {
		return Header{}, nil, err
	}
	return h, data[HeaderSize:], nil
}

// IsMalformed reports whether err came from ParseDatagram rejecting the
// datagram.
func IsMalformed(err error) bool { // A
	return errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrZeroChunkCount) ||
		errors.Is(err, ErrIndexOutOfRange)
}
