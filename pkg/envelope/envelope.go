// Package envelope seals whole frames with XChaCha20-Poly1305 under a
// pre-shared key. Open either returns the exact plaintext or fails with
// ErrAuthentication; partially decrypted data never leaves the package.
//
// Token layout:
//
//	[1B version]
//	[8B issued-at, unix seconds, big-endian]
//	[24B nonce]
//	[ciphertext || 16B Poly1305 tag]
//
// Version and issued-at are authenticated as associated data together with
// the optional context label.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Version is the first byte of every token.
	Version byte = 0x80

	timestampSize = 8
	prefixSize    = 1 + timestampSize
	nonceSize     = chacha20poly1305.NonceSizeX
	tagSize       = chacha20poly1305.Overhead

	// Overhead is the number of bytes Seal adds to a plaintext.
	Overhead = prefixSize + nonceSize + tagSize

	// maxClockSkew bounds how far in the future a token may claim to be
	// issued when a max age is enforced.
	maxClockSkew = 60 * time.Second
)

// ErrAuthentication is returned by Open for every token that does not
// verify: tampered, truncated, wrong key, wrong context or expired.
var ErrAuthentication = errors.New("envelope: authentication failed")

// Envelope seals and opens frame payloads. It is safe for concurrent use.
type Envelope struct { // A
	aead    cipher.AEAD
	context []byte
	maxAge  time.Duration
	now     func() time.Time
}

// Option configures an Envelope.
type Option func(*Envelope)

// WithContext binds tokens to label. A token sealed under one label does
// not open under another.
func WithContext(label string) Option { // A
	return func(e *Envelope) {
		e.context = []byte(label)
	}
}

// WithMaxAge rejects tokens issued more than d ago. Zero disables the
// check.
func WithMaxAge(d time.Duration) Option { // A
	return func(e *Envelope) {
		e.maxAge = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { // A
	return func(e *Envelope) {
		e.now = now
	}
}

// New creates an Envelope for key.
func New(key Key, opts ...Option) (*Envelope, error) { // A
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}
	e := &Envelope{
		aead: aead,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAge < 0 {
		return nil, fmt.Errorf("envelope: negative max age %s", e.maxAge)
	}
	return e, nil
}

// Seal encrypts plaintext into a fresh token.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) { // A
	out := make(
		[]byte,
		prefixSize+nonceSize,
		prefixSize+nonceSize+len(plaintext)+tagSize,
	)
	out[0] = Version
	binary.BigEndian.PutUint64(
		out[1:prefixSize],
		uint64(e.now().Unix()),
	)

	nonce := out[prefixSize : prefixSize+nonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	return e.aead.Seal(out, nonce, plaintext, e.associatedData(out[:prefixSize])), nil
}

// Open verifies and decrypts a token produced by Seal.
func (e *Envelope) Open(token []byte) ([]byte, error) { // A
	if len(token) < Overhead {
		return nil, fmt.Errorf(
			"%w: token too short (%d bytes)",
			ErrAuthentication,
			len(token),
		)
	}
	if token[0] != Version {
		return nil, fmt.Errorf(
			"%w: unknown version 0x%02x",
			ErrAuthentication,
			token[0],
		)
	}

	prefix := token[:prefixSize]
	nonce := token[prefixSize : prefixSize+nonceSize]
	ciphertext := token[prefixSize+nonceSize:]

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, e.associatedData(prefix))
	if err != nil {
		return nil, ErrAuthentication
	}

	if e.maxAge > 0 {
		if err := e.checkAge(prefix); err != nil {
			return nil, err
		}
	}
	return plaintext, nil
}

// IssuedAt returns the authenticated-but-unverified issue time of a
// token. Callers must Open the token before trusting it.
func IssuedAt(token []byte) (time.Time, error) { // A
	if len(token) < prefixSize {
		return time.Time{}, fmt.Errorf(
			"%w: token too short (%d bytes)",
			ErrAuthentication,
			len(token),
		)
	}
	sec := binary.BigEndian.Uint64(token[1:prefixSize])
	// #nosec G115 -- unix seconds fit into int64 for any sane clock.
	return time.Unix(int64(sec), 0), nil
}

func (e *Envelope) checkAge(prefix []byte) error { // A
	issued, err := IssuedAt(prefix)
	if err != nil {
		return err
	}
	now := e.now()
	if now.Sub(issued) > e.maxAge {
		return fmt.Errorf(
			"%w: token expired (issued %s)",
			ErrAuthentication,
			issued.UTC().Format(time.RFC3339),
		)
	}
	if issued.Sub(now) > maxClockSkew {
		return fmt.Errorf(
			"%w: token issued in the future (%s)",
			ErrAuthentication,
			issued.UTC().Format(time.RFC3339),
		)
	}
	return nil
}

func (e *Envelope) associatedData(prefix []byte) []byte { // A
	if len(e.context) == 0 {
		return prefix
	}
	ad := make([]byte, 0, len(prefix)+len(e.context))
	ad = append(ad, prefix...)
	return append(ad, e.context...)
}
