// Package esi implements VEP: the streaming, re-entrant ESI lexer/parser
// (spec.md §4.3, component C3). It consumes a body byte-by-byte, however
// the caller chooses to fragment Feed calls, and emits a VEC program
// (internal/vec) identical regardless of fragmentation (the "fragmentation
// equivalence" law of spec.md §8).
package esi

import (
	"github.com/edgeproxy/edgecache/internal/matchtable"
	"github.com/edgeproxy/edgecache/internal/vec"
)

type state int

const (
	stateScan state = iota
	stateTagDispatch
	stateCommentPeek
	stateCommentUntil
	stateCDATAUntil
	stateESITagDispatch
	stateESIEndTagDispatch
	stateIntag
	stateAttrName
	stateAttrPreVal
	stateAttrVal
	stateRemoveUntil
	stateIncludeCloseUntil
	stateNotMyTagUntil
)

type tagKind int

const (
	tagNone tagKind = iota
	tagInclude
	tagRemove
	tagComment
)

type runKind int

const (
	runNone runKind = iota
	runVerbatim
	runSkip
)

// Parser is one VEP instance. It is not safe for concurrent use; one Parser
// serves one fetch's body.
type Parser struct {
	state state
	out   *vec.Builder

	pos  int // total bytes consumed so far (monotonic, spans all Feed calls)
	verP int // last position whose disposition has been decided

	pendingKind runKind
	pendingLen  int

	matchCur  *matchtable.Cursor
	esiCur    *matchtable.Cursor
	esiEndCur *matchtable.Cursor

	commentEnd *untilScanner
	cdataEnd   *untilScanner

	inEsiComment bool
	peekBuf      []byte

	tagKind         tagKind
	tagSelfClose    bool
	attrNameBuf     []byte
	attrValBuf      []byte
	attrDelim       byte
	curAttrIsSrc    bool
	capturedSrc     string
	removeScan      *untilScanner
	includeCloseScan *untilScanner
}

// NewParser returns a Parser ready to receive Feed calls from the start of
// a fresh body.
func NewParser() *Parser {
	return &Parser{
		out:              vec.NewBuilder(),
		matchCur:         matchtable.NewCursor(startTable(), 16),
		esiCur:           matchtable.NewCursor(esiTable(), 16),
		esiEndCur:        matchtable.NewCursor(esiEndTable(), 16),
		commentEnd:       newUntilScanner("-->"),
		cdataEnd:         newUntilScanner("]]>"),
		removeScan:       newUntilScanner("</esi:remove>"),
		includeCloseScan: newUntilScanner("</esi:include>"),
	}
}

// Feed processes an arbitrary-sized chunk of body bytes. It may be called
// any number of times with any fragmentation, including one byte at a time
// or the whole body at once, with identical resulting VEC output.
func (p *Parser) Feed(data []byte) error {
	for _, b := range data {
		p.pos++
		if err := p.step(b); err != nil {
			return err
		}
	}
	return nil
}

// Finish signals body-end (externally driven; VEP itself has no terminal
// state, per spec.md §4.3). Any undecided trailing span is flushed as
// verbatim and the program is sealed.
func (p *Parser) Finish() error {
	if p.pos > p.verP {
		p.markVerbatim(p.pos)
	}
	return p.flush()
}

// Program returns the VEC bytes emitted so far. Call after Finish for a
// complete program.
func (p *Parser) Program() []byte {
	return p.out.Bytes()
}

func (p *Parser) step(b byte) error {
	switch p.state {
	case stateScan:
		return p.stepScan(b)
	case stateTagDispatch:
		return p.feedTagMatch(b)
	case stateCommentPeek:
		return p.stepCommentPeek(b)
	case stateCommentUntil:
		return p.stepCommentUntil(b)
	case stateCDATAUntil:
		return p.stepCDATAUntil(b)
	case stateESITagDispatch:
		return p.feedESITagMatch(b)
	case stateESIEndTagDispatch:
		return p.feedESIEndTagMatch(b)
	case stateIntag:
		return p.stepIntag(b)
	case stateAttrName:
		return p.stepAttrName(b)
	case stateAttrPreVal:
		return p.stepAttrPreVal(b)
	case stateAttrVal:
		return p.stepAttrVal(b)
	case stateRemoveUntil:
		return p.stepRemoveUntil(b)
	case stateIncludeCloseUntil:
		return p.stepIncludeCloseUntil(b)
	case stateNotMyTagUntil:
		return p.stepNotMyTagUntil(b)
	}
	return nil
}

// --- emission bookkeeping (spec.md §4.3 "Emission rules") ---

func (p *Parser) markVerbatim(upto int) {
	if p.pendingKind == runSkip {
		p.flushPending()
	}
	p.pendingKind = runVerbatim
	p.pendingLen += upto - p.verP
	p.verP = upto
}

func (p *Parser) markSkip(upto int) {
	if p.pendingKind == runVerbatim {
		p.flushPending()
	}
	p.pendingKind = runSkip
	p.pendingLen += upto - p.verP
	p.verP = upto
}

func (p *Parser) flushPending() {
	if p.pendingLen == 0 {
		p.pendingKind = runNone
		return
	}
	// Errors here are widths-exceeded only (a single run of 2^32 bytes or
	// more). They are dropped rather than threaded through every mark call,
	// so such a run is left out of the program.
	switch p.pendingKind {
	case runVerbatim:
		_ = p.out.Verbatim(p.pendingLen)
	case runSkip:
		_ = p.out.Skip(p.pendingLen)
	}
	p.pendingLen = 0
	p.pendingKind = runNone
}

func (p *Parser) flush() error {
	p.flushPending()
	return nil
}

// emitIncludeOp seals an `<esi:include>` tag (and any paired closing tag)
// spanning tagLen stored bytes: it flushes whatever run was pending,
// advances verP past the whole tag without creating a verbatim/skip run
// for it, and appends the Include opcode (spec.md §8 S5: no separate Skip
// opcode accompanies an include).
func (p *Parser) emitIncludeOp(tagLen int, src string) error {
	p.flushPending()
	p.verP = p.pos
	return p.out.Include(tagLen, src)
}

// --- scan state ---

func (p *Parser) stepScan(b byte) error {
	if p.inEsiComment {
		if p.commentEnd.feed(b) {
			markerLen := len(p.commentEnd.magic)
			end := p.pos - markerLen
			if end > p.verP {
				p.markVerbatim(end)
			}
			p.markSkip(p.pos)
			p.inEsiComment = false
			return nil
		}
	}
	if b == '<' {
		if p.pos-1 > p.verP {
			p.markVerbatim(p.pos - 1)
		}
		p.state = stateTagDispatch
		p.matchCur.Reset()
		return p.feedTagMatch(b)
	}
	return nil
}

func (p *Parser) feedTagMatch(b byte) error {
	res, err := p.matchCur.Match([]byte{b})
	if err != nil {
		return err
	}
	switch res.Result {
	case matchtable.Indeterminate:
		return nil
	case matchtable.Hit:
		switch res.Target {
		case startComment:
			p.commentEnd.reset()
			p.peekBuf = p.peekBuf[:0]
			p.state = stateCommentPeek
		case startESIEndTag:
			p.esiEndCur.Reset()
			p.state = stateESIEndTagDispatch
		case startESITag:
			p.esiCur.Reset()
			p.state = stateESITagDispatch
		case startCDATA:
			p.cdataEnd.reset()
			p.state = stateCDATAUntil
		}
		return nil
	default: // Fallback
		p.state = stateNotMyTagUntil
		return nil
	}
}

// --- comment handling ---

func (p *Parser) stepCommentPeek(b byte) error {
	found := p.commentEnd.feed(b)
	p.peekBuf = append(p.peekBuf, b)
	if found {
		p.markVerbatim(p.pos)
		p.state = stateScan
		p.peekBuf = p.peekBuf[:0]
		return nil
	}
	switch len(p.peekBuf) {
	case 3:
		if string(p.peekBuf) != "esi" {
			p.state = stateCommentUntil
			p.peekBuf = p.peekBuf[:0]
		}
	case 4:
		if p.peekBuf[3] == ' ' || p.peekBuf[3] == '\t' {
			p.markSkip(p.pos)
			p.inEsiComment = true
			p.state = stateScan
		} else {
			p.state = stateCommentUntil
		}
		p.peekBuf = p.peekBuf[:0]
	}
	return nil
}

func (p *Parser) stepCommentUntil(b byte) error {
	if p.commentEnd.feed(b) {
		p.markVerbatim(p.pos)
		p.state = stateScan
	}
	return nil
}

// --- CDATA handling ---

func (p *Parser) stepCDATAUntil(b byte) error {
	if p.cdataEnd.feed(b) {
		p.markVerbatim(p.pos)
		p.state = stateScan
	}
	return nil
}

// --- esi: / </esi: tag dispatch ---

func (p *Parser) feedESITagMatch(b byte) error {
	res, err := p.esiCur.Match([]byte{b})
	if err != nil {
		return err
	}
	switch res.Result {
	case matchtable.Indeterminate:
		return nil
	case matchtable.Hit:
		switch res.Target {
		case esiInclude:
			p.tagKind = tagInclude
		case esiRemove:
			p.tagKind = tagRemove
		case esiComment:
			p.tagKind = tagComment
		default:
			p.state = stateNotMyTagUntil
			return nil
		}
		p.resetTagAttrState()
		p.state = stateIntag
		return nil
	default:
		p.state = stateNotMyTagUntil
		return nil
	}
}

func (p *Parser) feedESIEndTagMatch(b byte) error {
	res, err := p.esiEndCur.Match([]byte{b})
	if err != nil {
		return err
	}
	switch res.Result {
	case matchtable.Indeterminate:
		return nil
	case matchtable.Hit:
		if res.Target == esiEndRemove {
			// A stray </esi:remove> with no matching open tag: the open
			// tag's handler normally consumes through this point itself
			// (see stepRemoveUntil), so reaching here means the close
			// tag appeared unpaired. Skip it rather than emitting it.
			p.markSkip(p.pos)
			p.state = stateScan
			return nil
		}
		p.state = stateNotMyTagUntil
		return nil
	default:
		p.state = stateNotMyTagUntil
		return nil
	}
}

// --- generic <esi:include|remove|comment ...> tag/attribute scanning ---

func (p *Parser) resetTagAttrState() {
	p.tagSelfClose = false
	p.capturedSrc = ""
	p.attrNameBuf = p.attrNameBuf[:0]
	p.attrValBuf = p.attrValBuf[:0]
	p.curAttrIsSrc = false
}

func isNameStart(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || b == '_' || b == ':'
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

func (p *Parser) stepIntag(b byte) error {
	switch {
	case isSpace(b):
		return nil
	case b == '/':
		p.tagSelfClose = true
		return nil
	case b == '>':
		return p.finishTagOpen()
	case isNameStart(b):
		p.attrNameBuf = p.attrNameBuf[:0]
		p.attrNameBuf = append(p.attrNameBuf, b)
		p.state = stateAttrName
		return nil
	default:
		return nil
	}
}

func (p *Parser) stepAttrName(b byte) error {
	switch {
	case b == '=':
		p.curAttrIsSrc = string(p.attrNameBuf) == "src"
		p.state = stateAttrPreVal
		return nil
	case isSpace(b) || b == '>' || b == '/':
		p.state = stateIntag
		return p.stepIntag(b)
	default:
		p.attrNameBuf = append(p.attrNameBuf, b)
		return nil
	}
}

func (p *Parser) stepAttrPreVal(b byte) error {
	switch {
	case isSpace(b):
		return nil
	case b == '\'' || b == '"':
		p.attrDelim = b
		p.attrValBuf = p.attrValBuf[:0]
		p.state = stateAttrVal
		return nil
	default:
		p.attrDelim = 0
		p.attrValBuf = p.attrValBuf[:0]
		p.attrValBuf = append(p.attrValBuf, b)
		p.state = stateAttrVal
		return nil
	}
}

func (p *Parser) stepAttrVal(b byte) error {
	if p.attrDelim != 0 {
		if b == p.attrDelim {
			p.finishAttr()
			p.state = stateIntag
			return nil
		}
		p.attrValBuf = append(p.attrValBuf, b)
		return nil
	}
	if isSpace(b) || b == '>' || b == '/' {
		p.finishAttr()
		p.state = stateIntag
		return p.stepIntag(b)
	}
	p.attrValBuf = append(p.attrValBuf, b)
	return nil
}

func (p *Parser) finishAttr() {
	if p.curAttrIsSrc {
		p.capturedSrc = string(p.attrValBuf)
	}
	p.curAttrIsSrc = false
}

func (p *Parser) finishTagOpen() error {
	switch p.tagKind {
	case tagInclude:
		if p.tagSelfClose {
			tagLen := p.pos - p.verP
			p.state = stateScan
			return p.emitIncludeOp(tagLen, p.capturedSrc)
		}
		p.state = stateIncludeCloseUntil
		p.includeCloseScan.reset()
		return nil
	case tagComment:
		if p.tagSelfClose {
			p.markSkip(p.pos)
			p.state = stateScan
			return nil
		}
		p.state = stateRemoveUntil
		p.removeScan = newUntilScanner("</esi:comment>")
		return nil
	case tagRemove:
		if p.tagSelfClose {
			p.markSkip(p.pos)
			p.state = stateScan
			return nil
		}
		p.state = stateRemoveUntil
		p.removeScan = newUntilScanner("</esi:remove>")
		return nil
	}
	return nil
}

func (p *Parser) stepIncludeCloseUntil(b byte) error {
	if p.includeCloseScan.feed(b) {
		tagLen := p.pos - p.verP
		p.state = stateScan
		return p.emitIncludeOp(tagLen, p.capturedSrc)
	}
	return nil
}

func (p *Parser) stepRemoveUntil(b byte) error {
	if p.removeScan.feed(b) {
		p.markSkip(p.pos)
		p.state = stateScan
	}
	return nil
}

func (p *Parser) stepNotMyTagUntil(b byte) error {
	if b == '>' {
		p.markVerbatim(p.pos)
		p.state = stateScan
	}
	return nil
}
