package vec

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Instr is one decoded VEC instruction, used by tests and by the (out of
// scope) delivery path to walk a program.
type Instr struct {
	Op   Op
	Len  int    // run length for Verbatim/Skip/Literal
	Data []byte // literal bytes, or include src
}

// Decode parses an encoded VEC program into a sequence of instructions. It
// exists primarily so tests can assert on program shape (spec.md §8 S5/S6)
// without duplicating Builder's framing knowledge.
func Decode(buf []byte) ([]Instr, error) {
	var out []Instr
	for len(buf) > 0 {
		op := Op(buf[0])
		buf = buf[1:]
		switch op {
		case OpVerbatim1, OpSkip1:
			if len(buf) < 1 {
				return nil, errors.New("vec: truncated 1-byte length")
			}
			out = append(out, Instr{Op: op, Len: int(buf[0])})
			buf = buf[1:]
		case OpVerbatim2, OpSkip2:
			if len(buf) < 2 {
				return nil, errors.New("vec: truncated 2-byte length")
			}
			out = append(out, Instr{Op: op, Len: int(binary.BigEndian.Uint16(buf))})
			buf = buf[2:]
		case OpVerbatim4, OpSkip4:
			if len(buf) < 4 {
				return nil, errors.New("vec: truncated 4-byte length")
			}
			out = append(out, Instr{Op: op, Len: int(binary.BigEndian.Uint32(buf))})
			buf = buf[4:]
		case OpLiteral1, OpLiteral2, OpLiteral4:
			var w int
			switch op {
			case OpLiteral1:
				w = 1
			case OpLiteral2:
				w = 2
			default:
				w = 4
			}
			if len(buf) < w {
				return nil, errors.New("vec: truncated literal length")
			}
			var n int
			switch w {
			case 1:
				n = int(buf[0])
			case 2:
				n = int(binary.BigEndian.Uint16(buf))
			default:
				n = int(binary.BigEndian.Uint32(buf))
			}
			buf = buf[w:]
			// Skip the "<hexlen>\r\n\0" framing.
			idx := -1
			for i := 0; i+1 < len(buf); i++ {
				if buf[i] == '\r' && buf[i+1] == '\n' {
					idx = i
					break
				}
			}
			if idx < 0 || idx+3 > len(buf) {
				return nil, errors.New("vec: malformed literal framing")
			}
			buf = buf[idx+3:] // skip \r\n\0
			if len(buf) < n {
				return nil, errors.New("vec: truncated literal body")
			}
			out = append(out, Instr{Op: op, Len: n, Data: buf[:n]})
			buf = buf[n:]
		case OpInclude:
			if len(buf) < 4 {
				return nil, errors.New("vec: truncated include tag length")
			}
			tagLen := int(binary.BigEndian.Uint32(buf))
			buf = buf[4:]
			if len(buf) < 2 {
				return nil, errors.New("vec: truncated include src length")
			}
			n := int(binary.BigEndian.Uint16(buf))
			buf = buf[2:]
			if len(buf) < n {
				return nil, errors.New("vec: truncated include src")
			}
			out = append(out, Instr{Op: op, Len: tagLen, Data: buf[:n]})
			buf = buf[n:]
		default:
			return nil, errors.Errorf("vec: unknown opcode %d", op)
		}
	}
	return out, nil
}
