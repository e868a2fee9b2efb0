package envelope

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func newTestEnvelope(t testing.TB, opts ...Option) *Envelope { // A
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	env, err := New(key, opts...)
	require.NoError(t, err)
	return env
}

func TestSealOpenRoundTrip(t *testing.T) { // A
	t.Parallel()
	env := newTestEnvelope(t)

	for _, plaintext := range [][]byte{
		nil,
		[]byte("x"),
		bytes.Repeat([]byte{0xff, 0xd8}, 40000),
	} {
		token, err := env.Seal(plaintext)
		require.NoError(t, err)
		assert.Len(t, token, len(plaintext)+Overhead)
		assert.Equal(t, Version, token[0])

		got, err := env.Open(token)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(got, plaintext), "plaintext mismatch")
	}
}

func TestSealUsesFreshNonce(t *testing.T) { // A
	t.Parallel()
	env := newTestEnvelope(t)
	a, err := env.Seal([]byte("same frame"))
	require.NoError(t, err)
	b, err := env.Seal([]byte("same frame"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTruncation(t *testing.T) { // A
	t.Parallel()
	env := newTestEnvelope(t)
	token, err := env.Seal([]byte("truncate me"))
	require.NoError(t, err)

	for n := 0; n < len(token); n++ {
		_, err := env.Open(token[:n])
		require.ErrorIs(t, err, ErrAuthentication, "length %d", n)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) { // A
	t.Parallel()
	sender := newTestEnvelope(t)
	receiver := newTestEnvelope(t)

	token, err := sender.Seal([]byte("secret"))
	require.NoError(t, err)
	_, err = receiver.Open(token)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestOpenRejectsOtherContext(t *testing.T) { // A
	t.Parallel()
	key, err := GenerateKey()
	require.NoError(t, err)
	camA, err := New(key, WithContext("camera-a"))
	require.NoError(t, err)
	camB, err := New(key, WithContext("camera-b"))
	require.NoError(t, err)
	plain, err := New(key)
	require.NoError(t, err)

	token, err := camA.Seal([]byte("frame"))
	require.NoError(t, err)

	_, err = camB.Open(token)
	require.ErrorIs(t, err, ErrAuthentication)
	_, err = plain.Open(token)
	require.ErrorIs(t, err, ErrAuthentication)

	got, err := camA.Open(token)
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), got)
}

func TestOpenRejectsUnknownVersion(t *testing.T) { // A
	t.Parallel()
	env := newTestEnvelope(t)
	token, err := env.Seal([]byte("frame"))
	require.NoError(t, err)
	token[0] = 0x81
	_, err = env.Open(token)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestMaxAge(t *testing.T) { // A
	t.Parallel()
	key, err := GenerateKey()
	require.NoError(t, err)

	start := time.Unix(1_700_000_000, 0)
	now := start
	clock := func() time.Time { return now }

	env, err := New(key, WithMaxAge(10*time.Second), WithClock(clock))
	require.NoError(t, err)

	token, err := env.Seal([]byte("frame"))
	require.NoError(t, err)

	issued, err := IssuedAt(token)
	require.NoError(t, err)
	assert.True(t, issued.Equal(start))

	now = start.Add(5 * time.Second)
	_, err = env.Open(token)
	require.NoError(t, err)

	now = start.Add(11 * time.Second)
	_, err = env.Open(token)
	require.ErrorIs(t, err, ErrAuthentication)

	now = start.Add(-2 * maxClockSkew)
	_, err = env.Open(token)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestNewRejectsNegativeMaxAge(t *testing.T) { // A
	t.Parallel()
	key, err := GenerateKey()
	require.NoError(t, err)
	_, err = New(key, WithMaxAge(-time.Second))
	require.Error(t, err)
}

func TestPropertyRoundTrip(t *testing.T) { // A
	t.Parallel()
	env := newTestEnvelope(t)
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(t, "plaintext")
		token, err := env.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := env.Open(token)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, plaintext) {
			t.Fatal("round trip mismatch")
		}
	})
}

func TestPropertyTamperAlwaysFails(t *testing.T) { // A
	t.Parallel()
	env := newTestEnvelope(t)
	rapid.Check(t, func(t *rapid.T) {
		plaintext := rapid.SliceOfN(rapid.Byte(), 0, 1024).Draw(t, "plaintext")
		token, err := env.Seal(plaintext)
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		pos := rapid.IntRange(0, len(token)-1).Draw(t, "pos")
		bit := rapid.IntRange(0, 7).Draw(t, "bit")
		token[pos] ^= 1 << bit

		got, err := env.Open(token)
		if !errors.Is(err, ErrAuthentication) {
			t.Fatalf("tampered token opened: err=%v", err)
		}
		if got != nil {
			t.Fatal("tampered token returned plaintext")
		}
	})
}

func TestKeyFileRoundTrip(t *testing.T) { // A
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secret.key")
	key, err := GenerateKey()
	require.NoError(t, err)

	require.NoError(t, SaveKey(path, key, false))
	require.Error(t, SaveKey(path, key, false), "must not overwrite")

	loaded, err := LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)

	other, err := GenerateKey()
	require.NoError(t, err)
	require.NoError(t, SaveKey(path, other, true))
	loaded, err = LoadKey(path)
	require.NoError(t, err)
	assert.Equal(t, other, loaded)
}

func TestParseKey(t *testing.T) { // A
	t.Parallel()
	// 32 zero bytes, URL-safe base64, as written by Fernet-style tooling.
	k, err := ParseKey([]byte("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=\n"))
	require.NoError(t, err)
	assert.Equal(t, Key{}, k)

	_, err = ParseKey([]byte("c2hvcnQ="))
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ParseKey([]byte("not base64 !!"))
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestKeyStringRedacts(t *testing.T) { // A
	t.Parallel()
	key, err := GenerateKey()
	require.NoError(t, err)
	text, err := key.MarshalText()
	require.NoError(t, err)
	assert.NotContains(t, key.String(), string(text))
}
