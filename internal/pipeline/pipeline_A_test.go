package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-stream/internal/codec"
	"github.com/i5heu/ouroboros-stream/internal/fragment"
	"github.com/i5heu/ouroboros-stream/internal/sink"
	"github.com/i5heu/ouroboros-stream/internal/source"
	"github.com/i5heu/ouroboros-stream/internal/transport"
	"github.com/i5heu/ouroboros-stream/pkg/envelope"
)

func quietLogger() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSender keeps every datagram it is asked to send.
type captureSender struct {
	datagrams [][]byte
}

func (c *captureSender) Send(_ context.Context, d []byte) error { // A
	c.datagrams = append(c.datagrams, append([]byte(nil), d...))
	return nil
}

type collectSink struct {
	mu     sync.Mutex
	frames []sink.Frame
}

func (c *collectSink) Show(_ context.Context, f sink.Frame) error { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *collectSink) Close() error { return nil } // A

func (c *collectSink) shown() []sink.Frame { // A
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sink.Frame(nil), c.frames...)
}

type failingSource struct {
	calls int
}

func (f *failingSource) Next(context.Context) (image.Image, error) { // A
	f.calls++
	return nil, errors.New("camera unplugged")
}

func (f *failingSource) Close() error { return nil } // A

type noiseSource struct {
	size int
}

func (n noiseSource) Next(context.Context) (image.Image, error) { // A
	img := image.NewGray(image.Rect(0, 0, n.size, n.size))
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.UintN(256))
	}
	return img, nil
}

func (noiseSource) Close() error { return nil } // A

func newEnvelope(t *testing.T, key envelope.Key) *envelope.Envelope { // A
	t.Helper()
	env, err := envelope.New(key)
	require.NoError(t, err)
	return env
}

func newKey(t *testing.T) envelope.Key { // A
	t.Helper()
	key, err := envelope.GenerateKey()
	require.NoError(t, err)
	return key
}

func newTestSender(
	t *testing.T,
	key envelope.Key,
	out fragment.Sender,
	chunk int,
) *Sender { // A
	t.Helper()
	src, err := source.NewPattern(64, 48)
	require.NoError(t, err)
	jpg, err := codec.NewJPEG(codec.DefaultQuality)
	require.NoError(t, err)
	frag, err := fragment.New(out, chunk, 0)
	require.NoError(t, err)
	s, err := NewSender(SenderConfig{
		Source:     src,
		Codec:      jpg,
		Sealer:     newEnvelope(t, key),
		Fragmenter: frag,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)
	return s
}

func newTestReceiver(t *testing.T, key envelope.Key, out sink.Sink) *Receiver { // A
	t.Helper()
	return newTestReceiverWith(t, key, ReceiverConfig{Sink: out, Logger: quietLogger()})
}

// newTestReceiverWith fills in the opener and codec around cfg.
func newTestReceiverWith(t *testing.T, key envelope.Key, cfg ReceiverConfig) *Receiver { // A
	t.Helper()
	jpg, err := codec.NewJPEG(codec.DefaultQuality)
	require.NoError(t, err)
	cfg.Opener = newEnvelope(t, key)
	cfg.Codec = jpg
	if cfg.StaleWindow == 0 {
		cfg.StaleWindow = 32
	}
	r, err := NewReceiver(cfg)
	require.NoError(t, err)
	return r
}

func TestFrameBodyRoundTrip(t *testing.T) { // A
	t.Parallel()
	at := time.Unix(1_700_000_000, 42)
	at2, jpg, err := DecodeFrameBody(EncodeFrameBody(at, []byte("jpeg")))
	require.NoError(t, err)
	assert.True(t, at.Equal(at2))
	assert.Equal(t, []byte("jpeg"), jpg)

	_, _, err = DecodeFrameBody([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBody)
}

func TestSenderToReceiverInReverseOrder(t *testing.T) { // A
	t.Parallel()
	key := newKey(t)
	link := &captureSender{}
	s := newTestSender(t, key, link, 200)
	require.NoError(t, s.SendOnce(context.Background()))
	require.Greater(t, len(link.datagrams), 1, "frame must span several chunks")

	out := &collectSink{}
	r := newTestReceiver(t, key, out)
	var completed int
	for i := len(link.datagrams) - 1; i >= 0; i-- {
		if r.Handle(context.Background(), link.datagrams[i]) {
			completed++
		}
	}
	assert.Equal(t, 1, completed)

	frames := out.shown()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0), frames[0].ID)
	assert.Equal(t, image.Rect(0, 0, 64, 48), frames[0].Image.Bounds())
	assert.False(t, frames[0].CapturedAt.IsZero())

	st := r.Stats()
	assert.Equal(t, uint64(1), st.Shown)
	assert.Equal(t, uint64(1), st.Reassembly.Completed)
	assert.Equal(t, uint64(1), s.Stats().Sent)
}

func TestReceiverDropsFramesUnderWrongKey(t *testing.T) { // A
	t.Parallel()
	link := &captureSender{}
	s := newTestSender(t, newKey(t), link, 1400)
	require.NoError(t, s.SendOnce(context.Background()))

	out := &collectSink{}
	r := newTestReceiver(t, newKey(t), out)
	for _, d := range link.datagrams {
		assert.False(t, r.Handle(context.Background(), d))
	}
	assert.Empty(t, out.shown())
	assert.Equal(t, uint64(1), r.Stats().Rejected)
}

func TestReceiverSurvivesLossAndGarbage(t *testing.T) { // A
	t.Parallel()
	key := newKey(t)
	link := &captureSender{}
	s := newTestSender(t, key, link, 100)
	require.NoError(t, s.SendOnce(context.Background()))
	first := len(link.datagrams)
	require.NoError(t, s.SendOnce(context.Background()))

	out := &collectSink{}
	r := newTestReceiver(t, key, out)
	ctx := context.Background()
	// Frame 0 loses its last chunk; frame 1 arrives whole amid garbage.
	for _, d := range link.datagrams[:first-1] {
		r.Handle(ctx, d)
	}
	r.Handle(ctx, []byte{1, 2, 3})
	for _, d := range link.datagrams[first:] {
		r.Handle(ctx, d)
		r.Handle(ctx, d)
	}

	frames := out.shown()
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(1), frames[0].ID)
	st := r.Stats()
	assert.Equal(t, uint64(1), st.Reassembly.Superseded)
	assert.Equal(t, uint64(1), st.Reassembly.Malformed)
}

func TestSenderRunRetriesCaptureFailures(t *testing.T) { // A
	t.Parallel()
	src := &failingSource{}
	jpg, err := codec.NewJPEG(50)
	require.NoError(t, err)
	frag, err := fragment.New(&captureSender{}, 1000, 0)
	require.NoError(t, err)
	s, err := NewSender(SenderConfig{
		Source:     src,
		Codec:      jpg,
		Sealer:     newEnvelope(t, newKey(t)),
		Fragmenter: frag,
		RetryDelay: 10 * time.Millisecond,
		Logger:     quietLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Run(ctx))
	assert.GreaterOrEqual(t, src.calls, 2)
	assert.Equal(t, uint64(src.calls), s.Stats().CaptureErrors)
	assert.Zero(t, s.Stats().Sent)
}

func TestSenderDropsOversizeFrames(t *testing.T) { // A
	t.Parallel()
	link := &captureSender{}
	s := newTestSender(t, newKey(t), link, 1)
	// Noise defeats JPEG, so one-byte chunks need far more than 65535.
	s.cfg.Source = noiseSource{size: 512}

	err := s.SendOnce(context.Background())
	require.ErrorIs(t, err, fragment.ErrOversizeFrame)
	assert.Empty(t, link.datagrams)
	assert.Equal(t, uint64(1), s.Stats().Oversize)
}

// closedSender fails every send the way a closed socket does.
type closedSender struct {
	calls int
}

func (c *closedSender) Send(context.Context, []byte) error { // A
	c.calls++
	return transport.ErrClosed
}

func TestSenderRunStopsOnClosedTransport(t *testing.T) { // A
	t.Parallel()
	link := &closedSender{}
	s := newTestSender(t, newKey(t), link, 1200)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	err := s.Run(ctx)
	require.ErrorIs(t, err, transport.ErrClosed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, link.calls)
	assert.Equal(t, uint64(1), s.Stats().SendErrors)
}

func TestSenderRunStopsWhenConnIsClosed(t *testing.T) { // A
	t.Parallel()
	tx, err := transport.Dial(transport.Config{
		Address: "127.0.0.1",
		Port:    9,
		Logger:  quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Close())

	s := newTestSender(t, newKey(t), tx, 1200)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.ErrorIs(t, s.Run(ctx), transport.ErrClosed)
}

func TestReceiverReportsMeanDelayAtInfo(t *testing.T) { // A
	t.Parallel()
	key := newKey(t)
	link := &captureSender{}
	s := newTestSender(t, key, link, 1400)
	require.NoError(t, s.SendOnce(context.Background()))
	require.NoError(t, s.SendOnce(context.Background()))

	var buf bytes.Buffer
	r := newTestReceiverWith(t, key, ReceiverConfig{
		Sink:           &collectSink{},
		ReportInterval: time.Nanosecond,
		Logger:         slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})),
	})
	base := time.Now()
	var n int
	r.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
	for _, d := range link.datagrams {
		r.Handle(context.Background(), d)
	}

	require.Equal(t, uint64(2), r.Stats().Shown)
	out := buf.String()
	assert.Contains(t, out, "end-to-end delay")
	assert.Contains(t, out, "throughput")
	assert.NotContains(t, out, "frame shown", "per-frame records stay at debug")
}

func TestNewSenderAndReceiverValidate(t *testing.T) { // A
	t.Parallel()
	_, err := NewSender(SenderConfig{})
	require.Error(t, err)
	_, err = NewReceiver(ReceiverConfig{})
	require.Error(t, err)
}

func TestStreamOverLoopbackUDP(t *testing.T) { // A
	t.Parallel()
	key := newKey(t)
	logger := quietLogger()

	rx, err := transport.Listen(transport.Config{
		Address: "127.0.0.1",
		Logger:  logger,
	})
	require.NoError(t, err)
	defer rx.Close()
	tx, err := transport.Dial(transport.Config{
		Address: "127.0.0.1",
		Port:    rx.LocalAddr().Port,
		Logger:  logger,
	})
	require.NoError(t, err)
	defer tx.Close()

	s := newTestSender(t, key, tx, 1200)
	s.cfg.FPS = 50
	out := &collectSink{}
	r := newTestReceiver(t, key, out)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 2)
	go func() { done <- r.Run(ctx, rx.Pump(ctx)) }()
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(out.shown()) >= 3
	}, 8*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	frames := out.shown()
	for i := 1; i < len(frames); i++ {
		assert.Greater(t, frames[i].ID, frames[i-1].ID, "frames arrive in id order on loopback")
	}
}
