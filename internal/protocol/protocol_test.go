package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodedLen(t *testing.T) {
	tests := []struct {
		path string
		want int
	}{
		{"", 1},
		{"a.txt", 6},
		{"/tmp/é", 7},
		// Outside the BMP: one surrogate pair
		{"😀", 3},
		// Each byte outside valid UTF-8 takes one unit
		{"caf\xe9", 5},
		{"\xed\xa0\x80", 4},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, EncodedLen(tt.path), "path %q", tt.path)
	}
}

func TestAppendDrainRoundTrip(t *testing.T) {
	s := New()
	paths := []string{
		"a.txt",
		"",
		"/home/user/문서/notes.md",
		"😀 smile.png",
		// Not valid UTF-8
		"/home/u/caf\xe9.txt",
		"\xff\xfe😀\x80",
		"\xed\xa0\x80",
		"\uFFFD",
	}

	for _, p := range paths {
		require.True(t, s.Append(p), "append %q", p)
	}

	got, err := s.Drain()
	require.NoError(t, err)
	assert.Equal(t, paths, got)
	assert.Zero(t, s.BufferIndex)
}

// TestDrainLoneSurrogate tests that a surrogate no path encodes to is replaced
func TestDrainLoneSurrogate(t *testing.T) {
	s := New()
	s.Buffer[0] = 2
	s.Buffer[1] = 0xD800
	s.Buffer[2] = 'a'
	s.BufferIndex = 3

	got, err := s.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"\uFFFDa"}, got)
}

func TestAppendCapacity(t *testing.T) {
	s := New()

	// Exactly fills the buffer
	full := strings.Repeat("x", BufferCapacity-1)
	require.True(t, Fits(full))
	require.True(t, s.Append(full))
	assert.Zero(t, s.Free())

	// Nothing else fits, not even an empty record
	before := s.BufferIndex
	assert.False(t, s.Append(""))
	assert.Equal(t, before, s.BufferIndex)

	assert.False(t, Fits(strings.Repeat("x", BufferCapacity)))
}

func TestAppendPartialSpace(t *testing.T) {
	s := New()
	require.True(t, s.Append(strings.Repeat("a", 1000)))

	// 23 units remain; a 23-unit path needs 24
	assert.False(t, s.Append(strings.Repeat("b", 23)))
	assert.True(t, s.Append(strings.Repeat("b", 22)))
	assert.Zero(t, s.Free())
}

func TestDrainEmpty(t *testing.T) {
	s := New()
	got, err := s.Drain()
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, s.BufferIndex)
}

func TestDrainCorrupt(t *testing.T) {
	s := New()
	s.Buffer[0] = 10
	s.BufferIndex = 5

	_, err := s.Drain()
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.Equal(t, uint32(5), s.BufferIndex)

	s.BufferIndex = BufferCapacity + 1
	_, err = s.Drain()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLoadStore(t *testing.T) {
	region := make([]byte, Size)

	s := New()
	s.AskedToShow = true
	require.True(t, s.Append("a.txt"))
	require.True(t, s.Append("b.txt"))
	require.NoError(t, s.Store(region))

	loaded, err := Load(region)
	require.NoError(t, err)
	assert.True(t, loaded.Valid())
	assert.True(t, loaded.AskedToShow)
	assert.Equal(t, s.BufferIndex, loaded.BufferIndex)

	got, err := loaded.Drain()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got)

	// The drained cursor and cleared flag reach the region on store
	loaded.AskedToShow = false
	require.NoError(t, loaded.Store(region))
	again, err := Load(region)
	require.NoError(t, err)
	assert.Zero(t, again.BufferIndex)
	assert.False(t, again.AskedToShow)
}

func TestLoadShortRegion(t *testing.T) {
	_, err := Load(make([]byte, Size-1))
	assert.ErrorIs(t, err, ErrCorrupt)

	assert.ErrorIs(t, New().Store(make([]byte, 8)), ErrCorrupt)
}

func TestValid(t *testing.T) {
	loaded, err := Load(make([]byte, Size))
	require.NoError(t, err)
	assert.False(t, loaded.Valid())
	assert.True(t, New().Valid())
}
