package pipeline

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-stream/internal/reassembly"
	"github.com/i5heu/ouroboros-stream/internal/sink"
	"github.com/i5heu/ouroboros-stream/internal/stats"
	"github.com/i5heu/ouroboros-stream/pkg/envelope"
	"github.com/i5heu/ouroboros-stream/pkg/logging"
	"github.com/i5heu/ouroboros-stream/pkg/wire"
)

// Decompressor turns a compressed frame back into an image.
type Decompressor interface {
	Decompress(data []byte) (image.Image, error)
}

// Opener authenticates and decrypts one whole frame.
// *envelope.Envelope implements it.
type Opener interface {
	Open(token []byte) ([]byte, error)
}

// ReceiverConfig wires the receiver loop.
type ReceiverConfig struct { // A
	Opener Opener
	Codec  Decompressor
	Sink   sink.Sink
	// StaleWindow is handed to the reassembler.
	StaleWindow uint32
	// JitterSamples is the number of datagram gaps per jitter report.
	// Zero uses stats.DefaultJitterSamples.
	JitterSamples int
	// ReportInterval is how often throughput and mean delay are logged.
	// Zero uses stats.DefaultInterval.
	ReportInterval time.Duration
	Logger         *slog.Logger
}

// ReceiverStats counts receiver outcomes.
type ReceiverStats struct { // A
	Reassembly  reassembly.Stats
	Shown       uint64
	Rejected    uint64
	Undecodable uint64
	SinkErrors  uint64
}

// Receiver owns the reassembly state. Exactly one goroutine may run it.
type Receiver struct { // A
	cfg    ReceiverConfig
	logger *slog.Logger
	reasm  *reassembly.Reassembler
	jitter *stats.Jitter
	meter  *stats.Meter
	now    func() time.Time
	stats  ReceiverStats

	// delay accumulates end-to-end delay until the next throughput report.
	delaySum   time.Duration
	delayCount int
}

// NewReceiver validates cfg and creates a Receiver.
func NewReceiver(cfg ReceiverConfig) (*Receiver, error) { // A
	switch {
	case cfg.Opener == nil:
		return nil, errors.New("pipeline: receiver needs an opener")
	case cfg.Codec == nil:
		return nil, errors.New("pipeline: receiver needs a codec")
	case cfg.Sink == nil:
		return nil, errors.New("pipeline: receiver needs a sink")
	}
	logger := logging.OrDefault(cfg.Logger)
	return &Receiver{
		cfg:    cfg,
		logger: logger,
		reasm: reassembly.New(reassembly.Config{
			StaleWindow: cfg.StaleWindow,
			Logger:      logger,
		}),
		jitter: stats.NewJitter(cfg.JitterSamples, logger),
		meter:  stats.NewMeter("receive", cfg.ReportInterval, logger),
		now:    time.Now,
	}, nil
}

// Run consumes datagrams until in is closed or ctx is done. Bad frames
// are logged and dropped; Run never fails on stream content.
func (r *Receiver) Run(ctx context.Context, in <-chan []byte) error { // A
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-in:
			if !ok {
				return nil
			}
			r.Handle(ctx, d)
		}
	}
}

// Handle processes one datagram and reports whether it completed and
// displayed a frame.
func (r *Receiver) Handle(ctx context.Context, datagram []byte) bool { // A
	receivedAt := r.now()
	r.jitter.Observe(receivedAt)

	sealed, ok := r.reasm.Feed(datagram)
	if !ok {
		return false
	}
	// The completing datagram belongs to the completed frame, so its
	// header names it.
	h, _, _ := wire.ParseDatagram(datagram)

	body, err := r.cfg.Opener.Open(sealed)
	if err != nil {
		r.stats.Rejected++
		if errors.Is(err, envelope.ErrAuthentication) {
			r.logger.WarnContext(ctx, "dropping frame that failed authentication",
				logKeyFrameID, h.FrameID)
		} else {
			r.logger.WarnContext(ctx, "dropping frame that failed to open",
				logKeyFrameID, h.FrameID, logKeyError, err)
		}
		return false
	}

	capturedAt, jpg, err := DecodeFrameBody(body)
	if err != nil {
		r.stats.Undecodable++
		r.logger.WarnContext(ctx, "dropping undecodable frame",
			logKeyFrameID, h.FrameID, logKeyError, err)
		return false
	}
	img, err := r.cfg.Codec.Decompress(jpg)
	if err != nil {
		r.stats.Undecodable++
		r.logger.WarnContext(ctx, "dropping undecodable frame",
			logKeyFrameID, h.FrameID, logKeyError, err)
		return false
	}

	frame := sink.Frame{
		ID:         h.FrameID,
		CapturedAt: capturedAt,
		ReceivedAt: receivedAt,
		JPEG:       jpg,
		Image:      img,
	}
	if err := r.cfg.Sink.Show(ctx, frame); err != nil {
		r.stats.SinkErrors++
		r.logger.WarnContext(ctx, "display failed",
			logKeyFrameID, h.FrameID, logKeyError, err)
		return false
	}

	r.stats.Shown++
	delay := stats.Delay(capturedAt, receivedAt)
	r.logger.DebugContext(ctx, "frame shown",
		logKeyFrameID, h.FrameID,
		logKeyBytes, len(jpg),
		logKeyDelay, delay,
	)
	r.delaySum += delay
	r.delayCount++
	if _, reported := r.meter.Tick(); reported {
		r.logger.InfoContext(ctx, "end-to-end delay",
			logKeyDelay, r.delaySum/time.Duration(r.delayCount),
			logKeyFrames, r.delayCount,
		)
		r.delaySum = 0
		r.delayCount = 0
	}
	return true
}

// Stats returns a snapshot of the receiver counters.
func (r *Receiver) Stats() ReceiverStats { // A
	s := r.stats
	s.Reassembly = r.reasm.Stats()
	return s
}
