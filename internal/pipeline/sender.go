package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"time"

	"github.com/i5heu/ouroboros-stream/internal/fragment"
	"github.com/i5heu/ouroboros-stream/internal/source"
	"github.com/i5heu/ouroboros-stream/internal/stats"
	"github.com/i5heu/ouroboros-stream/internal/transport"
	"github.com/i5heu/ouroboros-stream/pkg/logging"
)

// DefaultRetryDelay is the pause after a failed capture.
const DefaultRetryDelay = 100 * time.Millisecond

const (
	logKeyFrameID = "frameId"
	logKeyChunks  = "chunks"
	logKeyBytes   = "bytes"
	logKeyError   = "error"
	logKeyDelay   = "delay"
	logKeyFrames  = "frames"
)

// Compressor turns a raw frame into a compressed one.
type Compressor interface {
	Compress(img image.Image) ([]byte, error)
}

// Sealer encrypts one whole frame. *envelope.Envelope implements it.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
}

// FrameSender numbers and transmits a sealed frame.
// *fragment.Fragmenter implements it.
type FrameSender interface {
	SendFrame(ctx context.Context, payload []byte) (uint32, int, error)
}

// errCapture marks failures of the frame source.
var errCapture = errors.New("capture failed")

// SenderConfig wires the sender loop.
type SenderConfig struct { // A
	Source     source.Source
	Codec      Compressor
	Sealer     Sealer
	Fragmenter FrameSender
	// FPS caps the capture rate. Zero sends as fast as frames come.
	FPS float64
	// RetryDelay is the pause after a capture failure. Zero uses
	// DefaultRetryDelay.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// SenderStats counts sender outcomes.
type SenderStats struct { // A
	Sent          uint64
	Datagrams     uint64
	CaptureErrors uint64
	Oversize      uint64
	SendErrors    uint64
}

// Sender owns the capture-to-socket loop. It is not safe for concurrent
// use.
type Sender struct { // A
	cfg    SenderConfig
	logger *slog.Logger
	meter  *stats.Meter
	now    func() time.Time
	stats  SenderStats
}

// NewSender validates cfg and creates a Sender.
func NewSender(cfg SenderConfig) (*Sender, error) { // A
	switch {
	case cfg.Source == nil:
		return nil, errors.New("pipeline: sender needs a source")
	case cfg.Codec == nil:
		return nil, errors.New("pipeline: sender needs a codec")
	case cfg.Sealer == nil:
		return nil, errors.New("pipeline: sender needs a sealer")
	case cfg.Fragmenter == nil:
		return nil, errors.New("pipeline: sender needs a fragmenter")
	case cfg.FPS < 0:
		return nil, fmt.Errorf("pipeline: negative fps %v", cfg.FPS)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	logger := logging.OrDefault(cfg.Logger)
	return &Sender{
		cfg:    cfg,
		logger: logger,
		meter:  stats.NewMeter("send", stats.DefaultInterval, logger),
		now:    time.Now,
	}, nil
}

// Run sends frames until ctx is done. Per-frame failures are logged and
// the loop keeps going. A closed transport ends the loop with an error.
func (s *Sender) Run(ctx context.Context) error { // A
	var tick <-chan time.Time
	if s.cfg.FPS > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / s.cfg.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		err := s.SendOnce(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, transport.ErrClosed), errors.Is(err, net.ErrClosed):
			return fmt.Errorf("pipeline: transport closed: %w", err)
		case errors.Is(err, errCapture):
			s.logger.WarnContext(ctx, "capture failed, retrying", logKeyError, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.RetryDelay):
			}
		case errors.Is(err, fragment.ErrOversizeFrame):
			s.logger.ErrorContext(ctx, "dropping oversize frame", logKeyError, err)
		default:
			s.logger.WarnContext(ctx, "frame send failed", logKeyError, err)
		}
	}
}

// SendOnce captures, compresses, seals and sends a single frame.
func (s *Sender) SendOnce(ctx context.Context) error { // A
	img, err := s.cfg.Source.Next(ctx)
	if err != nil {
		s.stats.CaptureErrors++
		return fmt.Errorf("%w: %w", errCapture, err)
	}
	capturedAt := s.now()

	jpg, err := s.cfg.Codec.Compress(img)
	if err != nil {
		s.stats.CaptureErrors++
		return fmt.Errorf("%w: compress: %w", errCapture, err)
	}
	sealed, err := s.cfg.Sealer.Seal(EncodeFrameBody(capturedAt, jpg))
	if err != nil {
		return fmt.Errorf("pipeline: seal frame: %w", err)
	}

	id, sent, err := s.cfg.Fragmenter.SendFrame(ctx, sealed)
	s.stats.Datagrams += uint64(sent) // #nosec G115 -- sent is never negative.
	if err != nil {
		if errors.Is(err, fragment.ErrOversizeFrame) {
			s.stats.Oversize++
		} else {
			s.stats.SendErrors++
		}
		return err
	}
	s.stats.Sent++
	s.logger.DebugContext(ctx, "frame sent",
		logKeyFrameID, id,
		logKeyChunks, sent,
		logKeyBytes, len(sealed),
	)
	s.meter.Tick()
	return nil
}

// Stats returns a snapshot of the sender counters.
func (s *Sender) Stats() SenderStats { // A
	return s.stats
}
