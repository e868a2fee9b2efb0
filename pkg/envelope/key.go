package envelope

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a pre-shared key in bytes.
const KeySize = chacha20poly1305.KeySize

// ErrInvalidKey is returned for key material that does not decode to
// exactly KeySize bytes.
var ErrInvalidKey = errors.New("envelope: invalid key")

// Key is a pre-shared symmetric key. Both peers load the same key file.
type Key [KeySize]byte

// GenerateKey returns a new random key.
func GenerateKey() (Key, error) { // A
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Key{}, fmt.Errorf("envelope: generate key: %w", err)
	}
	return k, nil
}

// ParseKey decodes the key-file format: URL-safe base64 of KeySize bytes.
// Surrounding whitespace is ignored.
func ParseKey(text []byte) (Key, error) { // A
	text = bytes.TrimSpace(text)
	raw := make([]byte, base64.URLEncoding.DecodedLen(len(text)))
	n, err := base64.URLEncoding.Decode(raw, text)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if n != KeySize {
		return Key{}, fmt.Errorf(
			"%w: decoded %d bytes, want %d",
			ErrInvalidKey,
			n,
			KeySize,
		)
	}
	var k Key
	copy(k[:], raw[:n])
	return k, nil
}

// MarshalText encodes k in the key-file format without trailing newline.
func (k Key) MarshalText() ([]byte, error) { // A
	out := make([]byte, base64.URLEncoding.EncodedLen(KeySize))
	base64.URLEncoding.Encode(out, k[:])
	return out, nil
}

// String hides the key material from logs.
func (k Key) String() string { // A
	return "envelope.Key(redacted)"
}

// LoadKey reads a key file.
func LoadKey(path string) (Key, error) { // A
	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied key path
	if err != nil {
		return Key{}, fmt.Errorf("envelope: read key file %q: %w", path, err)
	}
	k, err := ParseKey(data)
	if err != nil {
		return Key{}, fmt.Errorf("envelope: key file %q: %w", path, err)
	}
	return k, nil
}

// SaveKey writes k to path with mode 0600. An existing file is only
// replaced when overwrite is set.
func SaveKey(path string, k Key, overwrite bool) error { // A
	text, err := k.MarshalText()
	if err != nil {
		return err
	}
	text = append(text, '\n')

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600) // #nosec G304 -- operator supplied key path
	if err != nil {
		return fmt.Errorf("envelope: create key file %q: %w", path, err)
	}
	if _, err := f.Write(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("envelope: write key file %q: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("envelope: close key file %q: %w", path, err)
	}
	return nil
}
