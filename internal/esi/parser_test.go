package esi

import (
	"testing"

	"github.com/edgeproxy/edgecache/internal/vec"
	"gotest.tools/v3/assert"
)

// parseWhole runs the full body through Feed in one call and returns the
// resulting VEC program.
func parseWhole(t *testing.T, body string) []byte {
	t.Helper()
	p := NewParser()
	assert.NilError(t, p.Feed([]byte(body)))
	assert.NilError(t, p.Finish())
	return p.Program()
}

// parseFragmented feeds body one byte at a time.
func parseFragmented(t *testing.T, body string) []byte {
	t.Helper()
	p := NewParser()
	for i := 0; i < len(body); i++ {
		assert.NilError(t, p.Feed([]byte{body[i]}))
	}
	assert.NilError(t, p.Finish())
	return p.Program()
}

// parsePartitioned feeds body split at the given cut points.
func parsePartitioned(t *testing.T, body string, cuts []int) []byte {
	t.Helper()
	p := NewParser()
	prev := 0
	for _, c := range cuts {
		assert.NilError(t, p.Feed([]byte(body[prev:c])))
		prev = c
	}
	assert.NilError(t, p.Feed([]byte(body[prev:])))
	assert.NilError(t, p.Finish())
	return p.Program()
}

// S5 of spec.md §8.
func TestScenarioS5Include(t *testing.T) {
	body := `<html><esi:include src="/a"/>Hi</html>`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)

	assert.Equal(t, len(instrs), 3)
	assert.Equal(t, instrs[0].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[0].Len, len("<html>"))
	assert.Equal(t, instrs[1].Op, vec.OpInclude)
	assert.Equal(t, string(instrs[1].Data), "/a")
	assert.Equal(t, instrs[1].Len, len(`<esi:include src="/a"/>`))
	assert.Equal(t, instrs[2].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[2].Len, len("Hi</html>"))
}

// S6 of spec.md §8.
func TestScenarioS6ESIComment(t *testing.T) {
	body := `<!--esi <b>x</b>-->`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)

	assert.Equal(t, len(instrs), 3)
	assert.Equal(t, instrs[0].Op, vec.OpSkip1)
	assert.Equal(t, instrs[0].Len, len("<!--esi "))
	assert.Equal(t, instrs[1].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[1].Len, len("<b>x</b>"))
	assert.Equal(t, instrs[2].Op, vec.OpSkip1)
	assert.Equal(t, instrs[2].Len, len("-->"))
}

func TestIncludeWithExplicitCloseTag(t *testing.T) {
	body := `<esi:include src="/x"></esi:include>tail`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)

	assert.Equal(t, len(instrs), 2)
	assert.Equal(t, instrs[0].Op, vec.OpInclude)
	assert.Equal(t, string(instrs[0].Data), "/x")
	assert.Equal(t, instrs[0].Len, len(`<esi:include src="/x"></esi:include>`))
	assert.Equal(t, instrs[1].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[1].Len, len("tail"))
}

func TestPlainCommentIsVerbatim(t *testing.T) {
	body := `a<!-- not esi -->b`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)
	assert.Equal(t, len(instrs), 1)
	assert.Equal(t, instrs[0].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[0].Len, len(body))
}

func TestCDATAPassedThroughVerbatim(t *testing.T) {
	body := `<![CDATA[<esi:include src="/never"/>]]>`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)
	assert.Equal(t, len(instrs), 1)
	assert.Equal(t, instrs[0].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[0].Len, len(body))
}

func TestEsiRemoveSuppressesEntireSpan(t *testing.T) {
	body := `keep<esi:remove>drop this <b>entirely</b></esi:remove>keep2`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)

	assert.Equal(t, len(instrs), 3)
	assert.Equal(t, instrs[0].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[0].Len, len("keep"))
	assert.Equal(t, instrs[1].Op, vec.OpSkip1)
	assert.Equal(t, instrs[1].Len, len(`<esi:remove>drop this <b>entirely</b></esi:remove>`))
	assert.Equal(t, instrs[2].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[2].Len, len("keep2"))
}

func TestUnrecognizedTagIsVerbatim(t *testing.T) {
	body := `<div class="x">hello</div>`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)
	assert.Equal(t, len(instrs), 1)
	assert.Equal(t, instrs[0].Op, vec.OpVerbatim1)
	assert.Equal(t, instrs[0].Len, len(body))
}

// Fragmentation equivalence law, spec.md §8: parse(B) == concat(parse(fragments)).
func TestFragmentationEquivalence(t *testing.T) {
	bodies := []string{
		`<html><esi:include src="/a"/>Hi</html>`,
		`<!--esi <b>x</b>-->`,
		`a<!-- not esi -->b<esi:include src="/y"></esi:include>c`,
		`keep<esi:remove>drop this <b>entirely</b></esi:remove>keep2`,
		`<![CDATA[<esi:include src="/never"/>]]>tail<div>x</div>`,
	}
	for _, body := range bodies {
		whole := parseWhole(t, body)
		byteAtATime := parseFragmented(t, body)
		assert.DeepEqual(t, whole, byteAtATime)

		if len(body) > 3 {
			mid := len(body) / 2
			partitioned := parsePartitioned(t, body, []int{1, mid})
			assert.DeepEqual(t, whole, partitioned)
		}
	}
}

// Verbatim-skip disjointness law, spec.md §8: between any two emitted
// opcodes, only one accumulator could have been non-zero — verified
// indirectly here by confirming no two adjacent opcodes of the decoded
// program are both V* (they would have merged into one run if the
// parser's flush discipline were broken) nor both S*.
func TestAdjacentOpcodesNeverSameRunKind(t *testing.T) {
	body := `a<esi:include src="/a"/>b<esi:remove>c</esi:remove>d`
	prog := parseWhole(t, body)
	instrs, err := vec.Decode(prog)
	assert.NilError(t, err)
	isVerbatim := func(op vec.Op) bool {
		return op == vec.OpVerbatim1 || op == vec.OpVerbatim2 || op == vec.OpVerbatim4
	}
	isSkip := func(op vec.Op) bool {
		return op == vec.OpSkip1 || op == vec.OpSkip2 || op == vec.OpSkip4
	}
	for i := 1; i < len(instrs); i++ {
		prevV, curV := isVerbatim(instrs[i-1].Op), isVerbatim(instrs[i].Op)
		prevS, curS := isSkip(instrs[i-1].Op), isSkip(instrs[i].Op)
		if prevV && curV {
			t.Fatalf("adjacent verbatim runs at %d should have merged", i)
		}
		if prevS && curS {
			t.Fatalf("adjacent skip runs at %d should have merged", i)
		}
	}
}
