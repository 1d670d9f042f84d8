package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
	"unicode/utf8"
)

// Magic identifies a segment initialized by this protocol
const Magic uint32 = 19910925

// BufferCapacity is the number of 16-bit code units in the path buffer
const BufferCapacity = 1024

// Shared State Layout:
//
// The segment holds one fixed-size structure in native byte order:
//
//	MAGIC        uint32                    // offset 0
//	BUFFER_INDEX uint32                    // offset 4, one past the last written unit
//	BUFFER       [BufferCapacity]uint16    // offset 8, records back to back
//	ASKED_TO_SHOW uint8                    // offset 8 + 2*BufferCapacity
//
// A record is [length:1 unit][length units of UTF-16 path text].
// There is no version field: every cooperating binary must agree on this layout.
const (
	offMagic       = 0
	offBufferIndex = 4
	offBuffer      = 8
	offAskedToShow = offBuffer + 2*BufferCapacity

	// Size is the number of bytes the segment must hold
	Size = offAskedToShow + 1
)

// ErrCorrupt reports a region that does not hold a valid state
var ErrCorrupt = errors.New("protocol: corrupt shared state")

// State is a private copy of the shared state
// It is loaded from the mapped region, mutated in process memory and stored
// back, so no code outside this file reads or writes shared memory directly.
type State struct {
	Magic       uint32
	BufferIndex uint32
	Buffer      [BufferCapacity]uint16
	AskedToShow bool
}

// New returns a freshly initialized state
func New() *State {
	return &State{Magic: Magic}
}

// Load copies the shared state out of region
// Only the region's length is checked here; callers check Valid.
func Load(region []byte) (*State, error) {
	if len(region) < Size {
		return nil, fmt.Errorf("%w: region holds %d bytes, need %d", ErrCorrupt, len(region), Size)
	}

	s := &State{
		Magic:       binary.NativeEndian.Uint32(region[offMagic:]),
		BufferIndex: binary.NativeEndian.Uint32(region[offBufferIndex:]),
		AskedToShow: region[offAskedToShow] != 0,
	}
	for i := range s.Buffer {
		s.Buffer[i] = binary.NativeEndian.Uint16(region[offBuffer+2*i:])
	}
	return s, nil
}

// Store copies the state into region
// Only the used part of the buffer is written.
func (s *State) Store(region []byte) error {
	if len(region) < Size {
		return fmt.Errorf("%w: region holds %d bytes, need %d", ErrCorrupt, len(region), Size)
	}
	if s.BufferIndex > BufferCapacity {
		return fmt.Errorf("%w: buffer index %d exceeds capacity", ErrCorrupt, s.BufferIndex)
	}

	binary.NativeEndian.PutUint32(region[offMagic:], s.Magic)
	binary.NativeEndian.PutUint32(region[offBufferIndex:], s.BufferIndex)
	for i := 0; i < int(s.BufferIndex); i++ {
		binary.NativeEndian.PutUint16(region[offBuffer+2*i:], s.Buffer[i])
	}
	if s.AskedToShow {
		region[offAskedToShow] = 1
	} else {
		region[offAskedToShow] = 0
	}
	return nil
}

// Valid reports whether the state carries the protocol's magic
func (s *State) Valid() bool {
	return s.Magic == Magic
}

// Free returns the number of unused code units in the buffer
func (s *State) Free() int {
	if s.BufferIndex > BufferCapacity {
		return 0
	}
	return BufferCapacity - int(s.BufferIndex)
}

// EncodedLen returns the number of code units path occupies as a record
// This is its UTF-16 length plus one unit for the length prefix.
func EncodedLen(path string) int {
	n := 1
	for i := 0; i < len(path); {
		r, size := utf8.DecodeRuneInString(path[i:])
		if r == utf8.RuneError && size == 1 {
			n++
		} else {
			n += utf16.RuneLen(r)
		}
		i += size
	}
	return n
}

// Fits reports whether path could ever be stored, even in an empty buffer
func Fits(path string) bool {
	return EncodedLen(path) <= BufferCapacity
}

// Append writes path as one record at the cursor
// It returns false and leaves the state untouched if the record does not fit
// in the remaining space.
func (s *State) Append(path string) bool {
	n := EncodedLen(path)
	if n > s.Free() {
		return false
	}

	units := make([]uint16, 0, n)
	units = append(units, uint16(n-1))
	units = appendPath(units, path)

	copy(s.Buffer[s.BufferIndex:], units)
	s.BufferIndex += uint32(len(units))
	return true
}

// Drain decodes every record in write order and resets the cursor
// A cursor beyond capacity or a record running past the cursor is reported
// as ErrCorrupt, and the state is left as it was.
func (s *State) Drain() ([]string, error) {
	end := int(s.BufferIndex)
	if end > BufferCapacity {
		return nil, fmt.Errorf("%w: buffer index %d exceeds capacity", ErrCorrupt, end)
	}

	var paths []string
	for off := 0; off < end; {
		n := int(s.Buffer[off])
		off++
		if n > end-off {
			return nil, fmt.Errorf("%w: record of %d units at offset %d overruns index %d", ErrCorrupt, n, off-1, end)
		}
		paths = append(paths, decode(s.Buffer[off:off+n]))
		off += n
	}

	s.BufferIndex = 0
	return paths, nil
}

// escapeBase marks a raw byte stored as the lone low surrogate escapeBase|b
const escapeBase = 0xDC00

// appendPath appends the UTF-16 form of path to units
// Paths are arbitrary bytes: a byte that is not part of valid UTF-8 is stored
// as a lone low surrogate in 0xDC80-0xDCFF, which decode turns back into the
// same byte.
func appendPath(units []uint16, path string) []uint16 {
	for i := 0; i < len(path); {
		r, size := utf8.DecodeRuneInString(path[i:])
		if r == utf8.RuneError && size == 1 {
			units = append(units, escapeBase|uint16(path[i]))
		} else {
			units = utf16.AppendRune(units, r)
		}
		i += size
	}
	return units
}

// decode converts UTF-16 units back to the path appendPath encoded
// Other unpaired surrogates become utf8.RuneError.
func decode(units []uint16) string {
	buf := make([]byte, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]

		if i+1 < len(units) {
			if r := utf16.DecodeRune(rune(u), rune(units[i+1])); r != utf8.RuneError {
				buf = utf8.AppendRune(buf, r)
				i++
				continue
			}
		}

		if u >= escapeBase|0x80 && u <= escapeBase|0xFF {
			buf = append(buf, byte(u))
			continue
		}
		buf = utf8.AppendRune(buf, rune(u))
	}
	return string(buf)
}
