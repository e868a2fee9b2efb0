// Package reassembly rebuilds sealed frames from datagrams that arrive in
// any order, duplicated or not at all.
//
// Only one frame is assembled at a time. A chunk of a different, newer
// frame discards whatever is buffered. Chunks of frames that were just
// superseded or completed are dropped as stale. Malformed datagrams are
// counted and dropped; Feed never returns an error.
package reassembly

import (
	"log/slog"

	"github.com/i5heu/ouroboros-stream/pkg/logging"
	"github.com/i5heu/ouroboros-stream/pkg/wire"
)

// DefaultStaleWindow is how many frame ids behind the newest frame are
// still considered stale rather than a restarted peer.
const DefaultStaleWindow = 32

const (
	logKeyFrameID    = "frameId"
	logKeyChunkIndex = "chunkIndex"
	logKeyChunkCount = "chunkCount"
	logKeyFilled     = "filled"
	logKeyReason     = "reason"
	logKeyError      = "error"
)

// Config configures a Reassembler.
type Config struct { // A
	// StaleWindow is the number of frame ids behind the newest started
	// frame whose chunks are dropped. With zero only late chunks of the
	// frame that just completed are dropped; any other differing frame id
	// supersedes the active frame.
	StaleWindow uint32
	// Logger receives debug records for dropped datagrams.
	Logger *slog.Logger
}

// Stats counts what the Reassembler did with the datagrams it was fed.
type Stats struct { // A
	Datagrams  uint64
	Completed  uint64
	Superseded uint64
	Malformed  uint64
	Stale      uint64
	Duplicates uint64
}

// buffer is the single active frame: an arena of one, replaced wholesale.
type buffer struct { // A
	frameID uint32
	slots   [][]byte
	filled  int
	size    int
}

// Reassembler owns the reassembly state. It has no locks; exactly one
// goroutine may call Feed.
type Reassembler struct { // A
	staleWindow uint32
	logger      *slog.Logger

	active *buffer

	// newest is the most recently started frame id, valid once
	// haveNewest is set.
	newest     uint32
	haveNewest bool
	// newestDone is set when the newest frame completed.
	newestDone bool

	stats Stats
}

// New creates a Reassembler.
func New(cfg Config) *Reassembler { // A
	return &Reassembler{
		staleWindow: cfg.StaleWindow,
		logger:      logging.OrDefault(cfg.Logger),
	}
}

// Feed ingests one datagram. When it completes the active frame, the
// concatenated payload is returned with ok set. The datagram slice is
// copied; callers may reuse it.
func (r *Reassembler) Feed(datagram []byte) (payload []byte, ok bool) { // A
	r.stats.Datagrams++

	h, chunk, err := wire.ParseDatagram(datagram)
	if err != nil {
		r.stats.Malformed++
		r.logger.Debug("dropping malformed datagram", logKeyError, err)
		return nil, false
	}

	if r.active == nil || r.active.frameID != h.FrameID {
		if r.isStale(h.FrameID) {
			r.stats.Stale++
			r.logger.Debug("dropping stale chunk",
				logKeyFrameID, h.FrameID,
				logKeyChunkIndex, h.ChunkIndex)
			return nil, false
		}
		r.start(h)
	}

	b := r.active
	if int(h.ChunkCount) != len(b.slots) {
		r.stats.Malformed++
		r.logger.Debug("dropping chunk with conflicting chunk count",
			logKeyFrameID, h.FrameID,
			logKeyChunkCount, h.ChunkCount,
			logKeyReason, "first-seen count is authoritative")
		return nil, false
	}

	if b.slots[h.ChunkIndex] != nil {
		r.stats.Duplicates++
		return nil, false
	}

	// make never returns nil, so an empty chunk still marks its slot.
	stored := make([]byte, len(chunk))
	copy(stored, chunk)
	b.slots[h.ChunkIndex] = stored
	b.filled++
	b.size += len(chunk)

	if b.filled < len(b.slots) {
		return nil, false
	}

	out := make([]byte, 0, b.size)
	for _, s := range b.slots {
		out = append(out, s...)
	}
	r.active = nil
	r.newestDone = true
	r.stats.Completed++
	return out, true
}

// Stats returns a snapshot of the counters.
func (r *Reassembler) Stats() Stats { // A
	return r.stats
}

// Pending reports the frame id and fill level of the active frame.
func (r *Reassembler) Pending() (frameID uint32, filled, count int, ok bool) { // A
	if r.active == nil {
		return 0, 0, 0, false
	}
	return r.active.frameID, r.active.filled, len(r.active.slots), true
}

// Reset discards all state, including the stale-tracking history.
func (r *Reassembler) Reset() { // A
	if r.active != nil {
		r.stats.Superseded++
	}
	r.active = nil
	r.haveNewest = false
	r.newestDone = false
}

func (r *Reassembler) start(h wire.Header) { // A
	if r.active != nil {
		r.stats.Superseded++
		r.logger.Debug("superseding incomplete frame",
			logKeyFrameID, r.active.frameID,
			logKeyFilled, r.active.filled,
			logKeyChunkCount, len(r.active.slots))
	}
	r.active = &buffer{
		frameID: h.FrameID,
		slots:   make([][]byte, h.ChunkCount),
	}
	r.newest = h.FrameID
	r.haveNewest = true
	r.newestDone = false
}

// isStale reports whether id belongs to a frame that is older than, or
// equal to an already completed, newest frame. Distances are computed
// modulo 2^32 so the wrap from 0xffffffff to 0 is a normal step forward.
func (r *Reassembler) isStale(id uint32) bool { // A
	if !r.haveNewest {
		return false
	}
	behind := r.newest - id
	if behind == 0 {
		return r.newestDone
	}
	return behind <= r.staleWindow
}
