// Package vec encodes the compact byte-coded program consumed by the
// delivery path: length-prefixed verbatim/skip runs, inline literals and
// include directives.
package vec

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Op identifies an opcode kind, independent of its encoded width.
type Op byte

const (
	OpVerbatim1 Op = iota + 1
	OpVerbatim2
	OpVerbatim4
	OpSkip1
	OpSkip2
	OpSkip4
	OpLiteral1
	OpLiteral2
	OpLiteral4
	OpInclude
)

// maxRunLength is the largest run length a VEC opcode may encode. Lengths
// at or above 2^32 are illegal.
const maxRunLength = 1<<32 - 1

// ErrLengthTooLarge is returned when a run length does not fit in the
// largest available opcode width.
var ErrLengthTooLarge = errors.New("vec: run length exceeds maximum opcode width")

// width returns the narrowest of {1,2,4} byte widths that holds n (the
// "smallest width that fits" rule).
func width(n int) (int, error) {
	switch {
	case n < 0:
		return 0, errors.Errorf("vec: negative length %d", n)
	case n < 1<<8:
		return 1, nil
	case n < 1<<16:
		return 2, nil
	case uint64(n) <= maxRunLength:
		return 4, nil
	default:
		return 0, ErrLengthTooLarge
	}
}

func putWidth(buf []byte, w int, n int) []byte {
	switch w {
	case 1:
		return append(buf, byte(n))
	case 2:
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		return append(buf, b[:]...)
	default:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(n))
		return append(buf, b[:]...)
	}
}

// Builder accumulates an encoded VEC program. It has no notion of pending
// verbatim/skip runs — that bookkeeping belongs to the parser (internal/esi)
// which decides run boundaries; Builder only encodes what it is told.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Verbatim appends a verbatim run of length n, choosing the narrowest opcode
// width that fits.
func (b *Builder) Verbatim(n int) error {
	if n == 0 {
		return nil
	}
	w, err := width(n)
	if err != nil {
		return errors.Wrapf(err, "verbatim run of %d bytes", n)
	}
	var op Op
	switch w {
	case 1:
		op = OpVerbatim1
	case 2:
		op = OpVerbatim2
	default:
		op = OpVerbatim4
	}
	b.buf = append(b.buf, byte(op))
	b.buf = putWidth(b.buf, w, n)
	return nil
}

// Skip appends a skip run of length n.
func (b *Builder) Skip(n int) error {
	if n == 0 {
		return nil
	}
	w, err := width(n)
	if err != nil {
		return errors.Wrapf(err, "skip run of %d bytes", n)
	}
	var op Op
	switch w {
	case 1:
		op = OpSkip1
	case 2:
		op = OpSkip2
	default:
		op = OpSkip4
	}
	b.buf = append(b.buf, byte(op))
	b.buf = putWidth(b.buf, w, n)
	return nil
}

// Literal appends an inline literal. Framing is "<op><len><hexlen>\r\n\0<bytes>"
// where <hexlen> is the hex ASCII rendering of len(data) — legacy framing
// consumed by the delivery path's chunked-encoding reader.
func (b *Builder) Literal(data []byte) error {
	n := len(data)
	if n == 0 {
		return nil
	}
	w, err := width(n)
	if err != nil {
		return errors.Wrapf(err, "literal of %d bytes", n)
	}
	var op Op
	switch w {
	case 1:
		op = OpLiteral1
	case 2:
		op = OpLiteral2
	default:
		op = OpLiteral4
	}
	b.buf = append(b.buf, byte(op))
	b.buf = putWidth(b.buf, w, n)
	b.buf = append(b.buf, fmt.Sprintf("%x\r\n", n)...)
	b.buf = append(b.buf, 0)
	b.buf = append(b.buf, data...)
	return nil
}

// Include appends an included-fragment directive. tagLen is the number of
// stored body bytes the `<esi:include ...>` tag itself occupied (including
// any paired `</esi:include>`); the delivery path advances its storage
// read pointer by tagLen without delivering those bytes, then splices in
// the fragment named by src — so, unlike verbatim/skip runs, no separate
// Skip opcode is needed to account for the tag's own bytes (spec.md §8 S5).
func (b *Builder) Include(tagLen int, src string) error {
	if tagLen < 0 || uint64(tagLen) > maxRunLength {
		return errors.Errorf("vec: include tag length %d out of range", tagLen)
	}
	n := len(src)
	if n > 1<<16-1 {
		return errors.Errorf("vec: include src too long (%d bytes)", n)
	}
	b.buf = append(b.buf, byte(OpInclude))
	b.buf = putWidth(b.buf, 4, tagLen)
	b.buf = putWidth(b.buf, 2, n)
	b.buf = append(b.buf, src...)
	return nil
}

// Bytes returns the encoded program built so far.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Len reports the number of bytes emitted so far.
func (b *Builder) Len() int {
	return len(b.buf)
}
