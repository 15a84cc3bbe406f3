package esi

// untilScanner finds a fixed magic byte sequence in a byte stream fed one
// byte at a time, tolerating the sequence straddling separate Feed calls
// (spec.md §4.3 UNTIL(magic)). It only needs to remember the trailing
// len(magic) bytes seen so far.
type untilScanner struct {
	magic []byte
	tail  []byte
}

func newUntilScanner(magic string) *untilScanner {
	return &untilScanner{magic: []byte(magic)}
}

func (u *untilScanner) reset() {
	u.tail = u.tail[:0]
}

// feed processes one byte and reports whether magic's final byte just
// completed a match ending at this byte.
func (u *untilScanner) feed(b byte) bool {
	u.tail = append(u.tail, b)
	if len(u.tail) > len(u.magic) {
		u.tail = u.tail[len(u.tail)-len(u.magic):]
	}
	if len(u.tail) < len(u.magic) {
		return false
	}
	for i, m := range u.magic {
		if u.tail[i] != m {
			return false
		}
	}
	return true
}
