// Package fragment splits sealed frames into header-prefixed datagrams.
package fragment

import (
	"context"
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-stream/pkg/wire"
)

var (
	// ErrOversizeFrame is returned when a payload needs more chunks than
	// the header's chunk-count field can represent.
	ErrOversizeFrame = errors.New("fragment: frame needs too many chunks")
	// ErrEmptyFrame is returned for an empty payload.
	ErrEmptyFrame = errors.New("fragment: empty frame")
	// ErrInvalidChunkSize is returned for a non-positive chunk size.
	ErrInvalidChunkSize = errors.New("fragment: chunk payload size must be positive")
)

// Sender delivers one datagram. internal/transport.Conn implements it.
type Sender interface {
	Send(ctx context.Context, datagram []byte) error
}

// ChunkCount returns ceil(payloadLen / maxChunkPayload).
func ChunkCount(payloadLen, maxChunkPayload int) int { // A
	if payloadLen <= 0 || maxChunkPayload <= 0 {
		return 0
	}
	return (payloadLen + maxChunkPayload - 1) / maxChunkPayload
}

// Split cuts payload into datagrams of at most
// wire.HeaderSize+maxChunkPayload bytes, in increasing chunk index
// order. Each datagram is a fresh allocation.
func Split( // A
	frameID uint32,
	payload []byte,
	maxChunkPayload int,
) ([][]byte, error) {
	if maxChunkPayload <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, maxChunkPayload)
	}
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	count := ChunkCount(len(payload), maxChunkPayload)
	if count > wire.MaxChunkCount {
		return nil, fmt.Errorf(
			"%w: %d bytes at %d bytes per chunk is %d chunks (max %d)",
			ErrOversizeFrame,
			len(payload),
			maxChunkPayload,
			count,
			wire.MaxChunkCount,
		)
	}

	datagrams := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxChunkPayload
		end := min(start+maxChunkPayload, len(payload))
		h := wire.Header{
			FrameID: frameID,
			// #nosec G115 -- count <= wire.MaxChunkCount checked above.
			ChunkIndex: uint16(i),
			// #nosec G115 -- count <= wire.MaxChunkCount checked above.
			ChunkCount: uint16(count),
		}
		buf := make([]byte, 0, wire.HeaderSize+end-start)
		datagrams = append(datagrams, wire.AppendDatagram(buf, h, payload[start:end]))
	}
	return datagrams, nil
}

// Fragmenter numbers frames and pushes their datagrams through a Sender.
// It is not safe for concurrent use; the sender loop owns it.
type Fragmenter struct { // A
	sender          Sender
	maxChunkPayload int
	nextID          uint32
}

// New creates a Fragmenter. firstID is the frame id of the first frame;
// ids increment per frame and wrap around.
func New( // A
	sender Sender,
	maxChunkPayload int,
	firstID uint32,
) (*Fragmenter, error) {
	if sender == nil {
		return nil, errors.New("fragment: sender is required")
	}
	if maxChunkPayload <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidChunkSize, maxChunkPayload)
	}
	return &Fragmenter{
		sender:          sender,
		maxChunkPayload: maxChunkPayload,
		nextID:          firstID,
	}, nil
}

// MaxChunkPayload returns the configured chunk payload ceiling.
func (f *Fragmenter) MaxChunkPayload() int { // A
	return f.maxChunkPayload
}

// SendFrame assigns the next frame id to payload and sends its
// datagrams. The id is consumed even when the frame fails, so a receiver
// never mixes chunks of two different payloads under one id. A send
// error abandons the remaining chunks of this frame.
func (f *Fragmenter) SendFrame( // A
	ctx context.Context,
	payload []byte,
) (uint32, int, error) {
	id := f.nextID
	f.nextID++

	datagrams, err := Split(id, payload, f.maxChunkPayload)
	if err != nil {
		return id, 0, err
	}
	for i, d := range datagrams {
		if err := f.sender.Send(ctx, d); err != nil {
			return id, i, fmt.Errorf(
				"fragment: send chunk %d/%d of frame %d: %w",
				i,
				len(datagrams),
				id,
				err,
			)
		}
	}
	return id, len(datagrams), nil
}
