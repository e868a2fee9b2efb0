// Package codec compresses captured images to JPEG and back.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

const (
	MinQuality     = 1
	MaxQuality     = 100
	DefaultQuality = 90
)

// ErrQuality is returned for a quality outside MinQuality..MaxQuality.
var ErrQuality = errors.New("codec: quality must be between 1 and 100")

// JPEG trades bandwidth against fidelity through Quality.
type JPEG struct { // A
	quality int
	// sizeHint grows to the largest frame seen so buffers are allocated
	// once per resolution change instead of once per frame.
	sizeHint int
}

// NewJPEG creates a JPEG codec.
func NewJPEG(quality int) (*JPEG, error) { // A
	if quality < MinQuality || quality > MaxQuality {
		return nil, fmt.Errorf("%w: got %d", ErrQuality, quality)
	}
	return &JPEG{quality: quality}, nil
}

// Quality returns the configured quality.
func (j *JPEG) Quality() int { // A
	return j.quality
}

// Compress encodes img.
func (j *JPEG) Compress(img image.Image) ([]byte, error) { // A
	if img == nil {
		return nil, errors.New("codec: nil image")
	}
	buf := bytes.NewBuffer(make([]byte, 0, j.sizeHint))
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: j.quality}); err != nil {
		return nil, fmt.Errorf("codec: encode jpeg: %w", err)
	}
	if buf.Len() > j.sizeHint {
		j.sizeHint = buf.Len()
	}
	return buf.Bytes(), nil
}

// Decompress decodes JPEG bytes.
func (j *JPEG) Decompress(data []byte) (image.Image, error) { // A
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("codec: decode jpeg: %w", err)
	}
	return img, nil
}

// DecodeConfig returns the dimensions of a JPEG without decoding pixels.
func DecodeConfig(data []byte) (image.Config, error) { // A
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, fmt.Errorf("codec: decode jpeg header: %w", err)
	}
	return cfg, nil
}
