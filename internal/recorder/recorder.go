// Package recorder keeps a rolling on-disk history of received frames in
// badger. Each frame is stored under its capture time with a TTL, so the
// history trims itself without a janitor.
package recorder

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/i5heu/ouroboros-stream/internal/sink"
	"github.com/i5heu/ouroboros-stream/pkg/logging"
)

// DefaultTTL is how long a recorded frame is kept.
const DefaultTTL = 10 * time.Minute

const (
	keyTimeSize = 8
	keyIDSize   = 4
)

// ErrEmpty is returned by Latest when nothing is recorded.
var ErrEmpty = errors.New("recorder: no frames recorded")

var keyPrefix = []byte("frame/")

// Config configures a Recorder.
type Config struct { // A
	// Path is the badger directory. Empty keeps everything in memory.
	Path string
	// TTL bounds how long each frame is kept. Zero uses DefaultTTL.
	TTL    time.Duration
	Logger *slog.Logger
}

// Entry is one recorded frame.
type Entry struct { // A
	ID         uint32
	CapturedAt time.Time
	JPEG       []byte
}

// Recorder stores frames. It implements sink.Sink.
type Recorder struct { // A
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open opens or creates the recorder database.
func Open(cfg Config) (*Recorder, error) { // A
	logger := logging.OrDefault(cfg.Logger)
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	if ttl < 0 {
		return nil, fmt.Errorf("recorder: negative ttl %s", ttl)
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithLogger(badgerLogger{logger: logger})
	if cfg.Path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("recorder: open badger: %w", err)
	}
	return &Recorder{db: db, ttl: ttl, logger: logger}, nil
}

// Record stores one frame.
func (r *Recorder) Record(f sink.Frame) error { // A
	at := f.CapturedAt
	if at.IsZero() {
		at = f.ReceivedAt
	}
	key := frameKey(at, f.ID)
	err := r.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, f.JPEG).WithTTL(r.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("recorder: store frame %d: %w", f.ID, err)
	}
	return nil
}

// Show implements sink.Sink.
func (r *Recorder) Show(_ context.Context, f sink.Frame) error { // A
	return r.Record(f)
}

// Latest returns the most recently captured frame that has not expired.
func (r *Recorder) Latest() (Entry, error) { // A
	var out Entry
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, keyPrefix...), 0xff)
		it.Seek(seek)
		if !it.Valid() {
			return ErrEmpty
		}
		item := it.Item()
		at, id, err := parseKey(item.Key())
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		out = Entry{ID: id, CapturedAt: at, JPEG: val}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrEmpty) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("recorder: read latest: %w", err)
	}
	return out, nil
}

// Count returns the number of frames that have not expired.
func (r *Recorder) Count() (int, error) { // A
	n := 0
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recorder: count: %w", err)
	}
	return n, nil
}

// Close flushes and closes the database.
func (r *Recorder) Close() error { // A
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("recorder: close: %w", err)
	}
	return nil
}

// frameKey orders frames by capture time; the frame id breaks ties.
func frameKey(at time.Time, id uint32) []byte { // A
	key := make([]byte, 0, len(keyPrefix)+keyTimeSize+keyIDSize)
	key = append(key, keyPrefix...)
	// #nosec G115 -- capture times are after 1970.
	key = binary.BigEndian.AppendUint64(key, uint64(at.UnixNano()))
	return binary.BigEndian.AppendUint32(key, id)
}

func parseKey(key []byte) (time.Time, uint32, error) { // A
	if len(key) != len(keyPrefix)+keyTimeSize+keyIDSize {
		return time.Time{}, 0, fmt.Errorf("recorder: malformed key %x", key)
	}
	rest := key[len(keyPrefix):]
	// #nosec G115 -- written by frameKey from a non-negative int64.
	at := time.Unix(0, int64(binary.BigEndian.Uint64(rest[:keyTimeSize])))
	return at, binary.BigEndian.Uint32(rest[keyTimeSize:]), nil
}

// badgerLogger routes badger's printf-style logging into slog. Badger is
// chatty at info level, so info is demoted to debug.
type badgerLogger struct { // A
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) { // A
	l.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) { // A
	l.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) { // A
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) { // A
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

var _ sink.Sink = (*Recorder)(nil)
