package tmplscout

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashShortString(t *testing.T) {
	h := HashBytes([]byte("hello"))
	short := h.ShortString()
	require.Len(t, short, 16)
	require.True(t, strings.HasPrefix(h.String(), short))
}

func TestHashDir(t *testing.T) {
	h := HashBytes([]byte("test"))
	dir := h.Dir()
	require.Len(t, dir, 2)
	require.True(t, strings.HasPrefix(h.String(), dir))
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())

	h := HashBytes([]byte("test"))
	require.False(t, h.IsZero())
}

func TestHashMarshalUnmarshal(t *testing.T) {
	original := HashBytes([]byte("test data"))

	text, err := original.MarshalText()
	require.NoError(t, err)

	var parsed Hash
	err = parsed.UnmarshalText(text)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHash(t *testing.T) {
	original := HashBytes([]byte("parse test"))
	hex := original.String()

	parsed, err := ParseHash(hex)
	require.NoError(t, err)

	require.Equal(t, original, parsed)
}

func TestParseHashInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"too short", "abc123"},
		{"too long", strings.Repeat("a", 128)},
		{"invalid hex", strings.Repeat("zz", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseHash(tt.input)
			require.Error(t, err)
		})
	}
}

func TestHashBytes(t *testing.T) {
	data := []byte("hello world")
	h1 := HashBytes(data)
	h2 := HashBytes(data)

	require.Equal(t, h1, h2)

	h3 := HashBytes([]byte("different"))
	require.NotEqual(t, h1, h3)
}

func TestHashReader(t *testing.T) {
	data := []byte("test content for hashing")
	reader := bytes.NewReader(data)

	hash, n, err := HashReader(reader)
	require.NoError(t, err)

	require.Equal(t, int64(len(data)), n)

	expected := HashBytes(data)
	require.Equal(t, expected, hash)
}

func TestFingerprintDeterministic(t *testing.T) {
	params := map[string]string{"q": "web", "category": "backend"}

	a := Fingerprint("GET", "templates/search", params, nil)
	b := Fingerprint("GET", "templates/search", params, nil)
	require.Equal(t, a, b)
}

func TestFingerprintParamOrderIndependent(t *testing.T) {
	p1 := map[string]string{}
	p1["q"] = "web"
	p1["category"] = "backend"
	p1["limit"] = "20"

	p2 := map[string]string{}
	p2["limit"] = "20"
	p2["category"] = "backend"
	p2["q"] = "web"

	require.Equal(t,
		Fingerprint("GET", "templates/search", p1, nil),
		Fingerprint("GET", "templates/search", p2, nil))
}

func TestFingerprintDistinct(t *testing.T) {
	base := Fingerprint("GET", "templates/search", map[string]string{"q": "web"}, nil)

	require.NotEqual(t, base, Fingerprint("POST", "templates/search", map[string]string{"q": "web"}, nil))
	require.NotEqual(t, base, Fingerprint("GET", "analyses/search", map[string]string{"q": "web"}, nil))
	require.NotEqual(t, base, Fingerprint("GET", "templates/search", map[string]string{"q": "cli"}, nil))
	require.NotEqual(t, base, Fingerprint("GET", "templates/search", map[string]string{"q": "web"}, []byte("body")))
}

func TestFingerprintSeparatorsNotAmbiguous(t *testing.T) {
	// Key and value boundaries must not shift between equivalent byte streams.
	a := Fingerprint("GET", "t", map[string]string{"ab": "c"}, nil)
	b := Fingerprint("GET", "t", map[string]string{"a": "bc"}, nil)
	require.NotEqual(t, a, b)
}
