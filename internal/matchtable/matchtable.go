// Package matchtable implements longest-prefix matching of a small ordered
// keyword table against a streaming byte window, buffering continuations
// across input fragment boundaries. See SPEC_FULL.md / spec.md §4.4 (C2).
package matchtable

import (
	"bytes"

	"github.com/pkg/errors"
)

// Entry is one (needle, target state) row of a match table. Needle must be
// non-empty; ordering is significant — more specific (typically longer)
// prefixes must precede shorter ones they overlap with (spec.md §4.4:
// `"</esi:"` before `"<esi:"`).
type Entry struct {
	Needle []byte
	Target int
}

// Table is an ordered list of entries plus the fallback target used when no
// entry matches at all.
type Table struct {
	Entries  []Entry
	Fallback int
}

// Result classifies the outcome of a Cursor.Match call.
type Result int

const (
	// Hit means an entry's needle was fully matched.
	Hit Result = iota
	// Fallback means no entry matched; Target is the table's Fallback.
	Fallback
	// Indeterminate means the window ended while at least one entry was
	// still a viable candidate; the caller must supply more input.
	Indeterminate
)

// ErrCarryOverflow is returned when an indeterminate match would need to
// buffer more bytes than the cursor's bounded carry capacity.
var ErrCarryOverflow = errors.New("matchtable: carry buffer capacity exceeded")

// MatchResult reports what Cursor.Match decided.
type MatchResult struct {
	Result Result
	Target int
	// Consumed is the number of bytes of the window argument that the
	// match accounted for. For Hit it is the portion of the needle drawn
	// from this call's window (excluding any previously carried bytes).
	// For Fallback it is 0: no needle claimed any of the window, so the
	// caller has consumed nothing beyond whatever already advanced its
	// own cursor. For Indeterminate it is len(window): every byte was
	// absorbed into the carry buffer.
	Consumed int
}

// Cursor holds the bounded carry buffer for one in-progress match that may
// span a fragment boundary (state MATCHBUF in spec.md §4.3).
type Cursor struct {
	table    *Table
	carry    []byte
	maxCarry int
}

// NewCursor returns a Cursor bound to table, whose carry buffer never grows
// beyond maxCarry bytes.
func NewCursor(table *Table, maxCarry int) *Cursor {
	return &Cursor{table: table, maxCarry: maxCarry}
}

// Reset discards any buffered carry, e.g. after a Hit or Fallback.
func (c *Cursor) Reset() {
	c.carry = c.carry[:0]
}

// Pending reports whether the cursor is mid-match (MATCHBUF state).
func (c *Cursor) Pending() bool {
	return len(c.carry) > 0
}

// Match attempts to match the table against carry+window, in table order.
func (c *Cursor) Match(window []byte) (MatchResult, error) {
	carried := len(c.carry)
	effective := window
	if carried > 0 {
		effective = append(append([]byte(nil), c.carry...), window...)
	}

	indeterminate := false
	for _, e := range c.table.Entries {
		n := len(e.Needle)
		if n == 0 {
			continue
		}
		if len(effective) >= n {
			if bytes.Equal(effective[:n], e.Needle) {
				c.Reset()
				consumed := n - carried
				if consumed < 0 {
					consumed = 0
				}
				return MatchResult{Result: Hit, Target: e.Target, Consumed: consumed}, nil
			}
			continue
		}
		if bytes.Equal(effective, e.Needle[:len(effective)]) {
			indeterminate = true
		}
	}

	if indeterminate {
		if len(effective) > c.maxCarry {
			return MatchResult{}, errors.Wrapf(ErrCarryOverflow, "need %d bytes, have %d", len(effective), c.maxCarry)
		}
		c.carry = effective
		return MatchResult{Result: Indeterminate, Consumed: len(window)}, nil
	}

	c.Reset()
	return MatchResult{Result: Fallback, Target: c.table.Fallback, Consumed: 0}, nil
}
