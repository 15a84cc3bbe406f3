package esi

import "github.com/edgeproxy/edgecache/internal/matchtable"

// Start-table targets (spec.md §4.3 STARTTAG dispatch). Order matters: the
// longer, more specific "</esi:" must precede "<esi:" since one is not a
// byte-prefix of the other but both can be live candidates simultaneously.
const (
	startComment = iota + 1
	startESIEndTag
	startESITag
	startCDATA
	startNotMyTag // fallback
)

func startTable() *matchtable.Table {
	return &matchtable.Table{
		Entries: []matchtable.Entry{
			{Needle: []byte("<!--"), Target: startComment},
			{Needle: []byte("</esi:"), Target: startESIEndTag},
			{Needle: []byte("<esi:"), Target: startESITag},
			{Needle: []byte("<![CDATA["), Target: startCDATA},
		},
		Fallback: startNotMyTag,
	}
}

// esi-table targets, used once "<esi:" has matched (spec.md ESITAG state).
const (
	esiInclude = iota + 1
	esiRemove
	esiComment
	esiOther // fallback: an unrecognized esi:* tag, passed through verbatim
)

func esiTable() *matchtable.Table {
	return &matchtable.Table{
		Entries: []matchtable.Entry{
			{Needle: []byte("include"), Target: esiInclude},
			{Needle: []byte("remove"), Target: esiRemove},
			{Needle: []byte("comment"), Target: esiComment},
		},
		Fallback: esiOther,
	}
}

// esi-end-table targets, used once "</esi:" has matched (spec.md ESIETAG
// state). Only "remove" is meaningful; anything else falls through to
// ordinary verbatim tag handling.
const (
	esiEndRemove = iota + 1
	esiEndOther
)

func esiEndTable() *matchtable.Table {
	return &matchtable.Table{
		Entries: []matchtable.Entry{
			{Needle: []byte("remove"), Target: esiEndRemove},
		},
		Fallback: esiEndOther,
	}
}
