// Package sink holds display collaborators for the receiver. On-screen
// rendering is out of scope; FileSink keeps the latest frame on disk for
// any viewer that polls it.
package sink

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"
)

// Frame is one decrypted, decoded frame.
type Frame struct { // A
	ID         uint32
	CapturedAt time.Time
	ReceivedAt time.Time
	// JPEG is the compressed frame as sent.
	JPEG []byte
	// Image is the decoded frame.
	Image image.Image
}

// Sink consumes frames.
type Sink interface {
	Show(ctx context.Context, f Frame) error
	Close() error
}

// Discard drops every frame.
type Discard struct{}

func (Discard) Show(context.Context, Frame) error { return nil } // A
func (Discard) Close() error                      { return nil } // A

// FileSink atomically replaces a single JPEG file with each new frame.
type FileSink struct { // A
	path string
}

// NewFileSink creates the parent directory of path if needed.
func NewFileSink(path string) (*FileSink, error) { // A
	if path == "" {
		return nil, errors.New("sink: empty output path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("sink: create output dir: %w", err)
	}
	return &FileSink{path: path}, nil
}

// Show writes f.JPEG to a temp file and renames it over the target so
// readers never observe a partial image.
func (s *FileSink) Show(_ context.Context, f Frame) error { // A
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".frame-*.jpg")
	if err != nil {
		return fmt.Errorf("sink: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(f.JPEG); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sink: write frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sink: close frame: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sink: publish frame: %w", err)
	}
	return nil
}

// Close is a no-op; the last frame stays on disk.
func (s *FileSink) Close() error { return nil } // A

// Multi fans a frame out to several sinks. Every sink sees every frame;
// errors are joined.
type Multi []Sink

func (m Multi) Show(ctx context.Context, f Frame) error { // A
	var errs []error
	for _, s := range m {
		if err := s.Show(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error { // A
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
