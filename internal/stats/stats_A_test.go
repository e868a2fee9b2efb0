package stats

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func quietLogger() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMeterReportsOncePerInterval(t *testing.T) { // A
	t.Parallel()
	m := NewMeter("send", time.Second, quietLogger())
	base := time.Unix(1_700_000_000, 0)
	clock := base
	m.now = func() time.Time { return clock }

	for i := 0; i < 10; i++ {
		clock = base.Add(time.Duration(i) * 100 * time.Millisecond)
		_, ok := m.Tick()
		require.False(t, ok, "tick %d", i)
	}
	clock = base.Add(time.Second)
	rate, ok := m.Tick()
	require.True(t, ok)
	assert.InDelta(t, 11.0, rate, 0.001)
	assert.Equal(t, uint64(11), m.Total())

	clock = base.Add(1500 * time.Millisecond)
	_, ok = m.Tick()
	assert.False(t, ok, "a new window starts after a report")
}

func TestNewMeterDefaultsInterval(t *testing.T) { // A
	t.Parallel()
	m := NewMeter("x", 0, nil)
	assert.Equal(t, DefaultInterval, m.interval)
}

func TestJitterSteadyArrivalIsZero(t *testing.T) { // A
	t.Parallel()
	j := NewJitter(10, quietLogger())
	at := time.Unix(0, 0)
	var reports int
	for i := 0; i <= 20; i++ {
		dev, ok := j.Observe(at.Add(time.Duration(i) * 10 * time.Millisecond))
		if ok {
			reports++
			assert.Zero(t, dev)
		}
	}
	assert.Equal(t, 2, reports)
}

func TestJitterAlternatingGaps(t *testing.T) { // A
	t.Parallel()
	j := NewJitter(4, quietLogger())
	at := time.Unix(0, 0)
	_, ok := j.Observe(at)
	require.False(t, ok)

	// Gaps 10,30,10,30 ms: mean 20ms, deviation 10ms.
	var dev time.Duration
	for i, gap := range []time.Duration{10, 30, 10, 30} {
		at = at.Add(gap * time.Millisecond)
		dev, ok = j.Observe(at)
		if i < 3 {
			require.False(t, ok)
		}
	}
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, dev)
}

func TestJitterReportsAtInfo(t *testing.T) { // A
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	j := NewJitter(2, logger)
	base := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		j.Observe(base.Add(time.Duration(i) * 10 * time.Millisecond))
	}
	assert.Contains(t, buf.String(), "receive jitter")
	assert.Contains(t, buf.String(), "level=INFO")
}

func TestDelay(t *testing.T) { // A
	t.Parallel()
	at := time.Unix(100, 0)
	assert.Equal(t, 250*time.Millisecond, Delay(at, at.Add(250*time.Millisecond)))
	assert.Zero(t, Delay(at, at.Add(-time.Second)), "clock skew clamps to zero")
	assert.Zero(t, Delay(time.Time{}, at))
}

func TestMeanAbsDeviationBounds(t *testing.T) { // A
	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.SliceOfN(rapid.Int64Range(0, int64(time.Second)), 1, 200).Draw(t, "gaps")
		gaps := make([]time.Duration, len(raw))
		lo, hi := time.Duration(raw[0]), time.Duration(raw[0])
		for i, g := range raw {
			gaps[i] = time.Duration(g)
			lo = min(lo, gaps[i])
			hi = max(hi, gaps[i])
		}
		mean, dev := meanAbsDeviation(gaps)
		if mean < lo || mean > hi {
			t.Fatalf("mean %s outside [%s,%s]", mean, lo, hi)
		}
		if dev < 0 || dev > hi-lo {
			t.Fatalf("deviation %s outside [0,%s]", dev, hi-lo)
		}
	})
}
