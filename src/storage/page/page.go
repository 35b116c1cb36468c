package page

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Int32Size is the on-page width of every integer, including the
// length prefix of byte sequences and strings.
const Int32Size = 4

var (
	ErrBoundsViolation = errors.New("page bounds violation")
	ErrNonASCII        = errors.New("string contains non-ASCII characters")
)

// Page is a fixed-size byte buffer with typed accessors at byte offsets.
//
// Layout of a byte sequence (and of a string):
//
//	offset -> | len (int32, big endian) | len raw bytes |
//
// Every access is bound-checked before the buffer is touched, so a failed
// write never leaves a partially written value behind.
type Page struct {
	data []byte
}

func New(blockSize int) *Page {
	return &Page{
		data: make([]byte, blockSize),
	}
}

// NewFromBytes wraps b without copying. Used for log records.
func NewFromBytes(b []byte) *Page {
	return &Page{
		data: b,
	}
}

// MaxLength returns the exact worst-case number of bytes a string of
// strlen characters occupies on a page. Strings are US-ASCII encoded.
func MaxLength(strlen int) int {
	return Int32Size + strlen
}

func (p *Page) Size() int {
	return len(p.data)
}

func (p *Page) GetData() []byte {
	return p.data
}

// SetData overwrites the page with d. Sizes must match.
func (p *Page) SetData(d []byte) {
	copy(p.data, d)
}

func (p *Page) checkBounds(offset int, size int) error {
	if offset < 0 || size < 0 || offset > len(p.data)-size {
		return fmt.Errorf(
			"%w: %d bytes at offset %d do not fit into %d-byte page",
			ErrBoundsViolation,
			size,
			offset,
			len(p.data),
		)
	}

	return nil
}

func (p *Page) Int(offset int) (int32, error) {
	if err := p.checkBounds(offset, Int32Size); err != nil {
		return 0, err
	}

	//nolint:gosec
	return int32(binary.BigEndian.Uint32(p.data[offset:])), nil
}

func (p *Page) SetInt(offset int, val int32) error {
	if err := p.checkBounds(offset, Int32Size); err != nil {
		return err
	}

	//nolint:gosec
	binary.BigEndian.PutUint32(p.data[offset:], uint32(val))

	return nil
}

// Bytes returns a copy of the length-prefixed byte sequence at offset.
func (p *Page) Bytes(offset int) ([]byte, error) {
	length, err := p.Int(offset)
	if err != nil {
		return nil, err
	}

	start := offset + Int32Size
	if err := p.checkBounds(start, int(length)); err != nil {
		return nil, err
	}

	b := make([]byte, length)
	copy(b, p.data[start:start+int(length)])

	return b, nil
}

func (p *Page) SetBytes(offset int, b []byte) error {
	if err := p.checkBounds(offset, Int32Size+len(b)); err != nil {
		return err
	}

	//nolint:gosec
	binary.BigEndian.PutUint32(p.data[offset:], uint32(len(b)))
	copy(p.data[offset+Int32Size:], b)

	return nil
}

func (p *Page) String(offset int) (string, error) {
	b, err := p.Bytes(offset)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

func (p *Page) SetString(offset int, s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return fmt.Errorf("%w: %q", ErrNonASCII, s)
		}
	}

	return p.SetBytes(offset, []byte(s))
}
