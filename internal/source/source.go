// Package source provides capture collaborators for the sender. Real
// camera drivers are out of scope; Pattern and Directory stand in for
// them.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoFrames is returned by NewDirectory when the directory holds no
// images.
var ErrNoFrames = errors.New("source: no image files found")

// Source produces one raw frame per call.
type Source interface {
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// Pattern renders a moving color test pattern.
type Pattern struct { // A
	width  int
	height int
	tick   int
}

// NewPattern creates a Pattern of the given size.
func NewPattern(width, height int) (*Pattern, error) { // A
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("source: invalid pattern size %dx%d", width, height)
	}
	return &Pattern{width: width, height: height}, nil
}

// Next renders the next frame.
func (p *Pattern) Next(ctx context.Context) (image.Image, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	bar := p.tick % p.width
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := color.RGBA{
				R: uint8((x + p.tick) * 255 / p.width),
				G: uint8(y * 255 / p.height),
				B: uint8(p.tick * 3),
				A: 255,
			}
			if x >= bar && x < bar+4 {
				c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	p.tick++
	return img, nil
}

// Close is a no-op.
func (p *Pattern) Close() error { return nil } // A

// Directory cycles over the image files in a directory in name order.
type Directory struct { // A
	files []string
	next  int
}

// NewDirectory lists *.jpg, *.jpeg and *.png files in dir.
func NewDirectory(dir string) (*Directory, error) { // A
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("source: read dir %q: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %q", ErrNoFrames, dir)
	}
	sort.Strings(files)
	return &Directory{files: files}, nil
}

// Next decodes the next file, wrapping around at the end.
func (d *Directory) Next(ctx context.Context) (image.Image, error) { // A
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := d.files[d.next]
	d.next = (d.next + 1) % len(d.files)

	f, err := os.Open(path) // #nosec G304 -- operator supplied capture dir
	if err != nil {
		return nil, fmt.Errorf("source: open %q: %w", path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("source: decode %q: %w", path, err)
	}
	return img, nil
}

// Close is a no-op.
func (d *Directory) Close() error { return nil } // A

// Open picks a source from a spec string: "pattern" or "dir:<path>".
func Open(spec string, width, height int) (Source, error) { // A
	switch {
	case spec == "" || spec == "pattern":
		return NewPattern(width, height)
	case strings.HasPrefix(spec, "dir:"):
		return NewDirectory(strings.TrimPrefix(spec, "dir:"))
	default:
		return nil, fmt.Errorf("source: unknown source %q (want pattern or dir:<path>)", spec)
	}
}
