// Package stats measures stream health: frame throughput, end-to-end
// delay and datagram inter-arrival jitter.
package stats

import (
	"log/slog"
	"time"

	"github.com/i5heu/ouroboros-stream/pkg/logging"
)

const (
	// DefaultInterval is the throughput reporting window.
	DefaultInterval = time.Second
	// DefaultJitterSamples is how many datagrams feed one jitter report.
	DefaultJitterSamples = 100
)

const (
	logKeyMeter   = "meter"
	logKeyFPS     = "fps"
	logKeyFrames  = "frames"
	logKeyJitter  = "jitter"
	logKeyMean    = "meanInterArrival"
	logKeySamples = "samples"
)

// Meter counts events and reports their rate once per interval.
type Meter struct { // A
	name     string
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	start time.Time
	count int
	total uint64
}

// NewMeter creates a Meter. A non-positive interval uses
// DefaultInterval.
func NewMeter( // A
	name string,
	interval time.Duration,
	logger *slog.Logger,
) *Meter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Meter{
		name:     name,
		interval: interval,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// Tick records one event. When the current window has elapsed it logs
// and returns the window's rate in events per second.
func (m *Meter) Tick() (float64, bool) { // A
	now := m.now()
	if m.start.IsZero() {
		m.start = now
	}
	m.count++
	m.total++

	elapsed := now.Sub(m.start)
	if elapsed < m.interval {
		return 0, false
	}
	rate := float64(m.count) / elapsed.Seconds()
	m.logger.Info("throughput",
		logKeyMeter, m.name,
		logKeyFPS, rate,
		logKeyFrames, m.count,
	)
	m.start = now
	m.count = 0
	return rate, true
}

// Total returns the number of events since the Meter was created.
func (m *Meter) Total() uint64 { // A
	return m.total
}

// Jitter tracks the spread of datagram inter-arrival times. Every
// samples inter-arrival gaps it reports their mean absolute deviation
// from the mean gap.
type Jitter struct { // A
	samples int
	logger  *slog.Logger

	last time.Time
	gaps []time.Duration
}

// NewJitter creates a Jitter. A non-positive samples uses
// DefaultJitterSamples.
func NewJitter(samples int, logger *slog.Logger) *Jitter { // A
	if samples <= 0 {
		samples = DefaultJitterSamples
	}
	return &Jitter{
		samples: samples,
		logger:  logging.OrDefault(logger),
		gaps:    make([]time.Duration, 0, samples),
	}
}

// Observe records a datagram arrival. It returns the jitter once a full
// window of gaps has been collected and then starts a new window.
func (j *Jitter) Observe(at time.Time) (time.Duration, bool) { // A
	if j.last.IsZero() {
		j.last = at
		return 0, false
	}
	gap := at.Sub(j.last)
	j.last = at
	if gap < 0 {
		gap = 0
	}
	j.gaps = append(j.gaps, gap)
	if len(j.gaps) < j.samples {
		return 0, false
	}

	mean, dev := meanAbsDeviation(j.gaps)
	j.logger.Info("receive jitter",
		logKeyJitter, dev,
		logKeyMean, mean,
		logKeySamples, len(j.gaps),
	)
	j.gaps = j.gaps[:0]
	return dev, true
}

func meanAbsDeviation(gaps []time.Duration) (time.Duration, time.Duration) { // A
	if len(gaps) == 0 {
		return 0, 0
	}
	var sum time.Duration
	for _, g := range gaps {
		sum += g
	}
	mean := sum / time.Duration(len(gaps))
	var dev time.Duration
	for _, g := range gaps {
		d := g - mean
		if d < 0 {
			d = -d
		}
		dev += d
	}
	return mean, dev / time.Duration(len(gaps))
}

// Delay returns how long a frame took from capture to display. Clocks
// on two hosts are not synchronized, so a negative result is clamped to
// zero.
func Delay(capturedAt, receivedAt time.Time) time.Duration { // A
	if capturedAt.IsZero() || receivedAt.Before(capturedAt) {
		return 0
	}
	return receivedAt.Sub(capturedAt)
}
