package cardblock

import (
	"fmt"
	"sort"
	"strings"

	"github.com/starford/cardex/internal/apperr"
	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
)

// Edit is one verified change to a card block inside a document.
//
// With Content set, the block lines at Loc must currently hash to Expect
// (OldCID when Expect is empty); they are replaced by Content, which must
// hash to NewCID. Lines that already hash to NewCID are left alone. With
// Content empty only the identity marker on the line before the block is
// rewritten. In every case a marker referencing OldCID becomes a marker for
// NewCID; a missing marker is not an error.
type Edit struct {
	Loc     models.CardLocation
	OldCID  string
	NewCID  string
	Expect  string
	Content string
}

// Apply performs edits on text and returns the patched text together with
// the location of every edited block after patching, in the order of edits.
// Edits must not overlap. Any failed check aborts the whole call with an
// error wrapping apperr.ErrDocumentDrift and leaves text untouched.
func Apply(text string, edits []Edit) (string, []models.CardLocation, error) {
	crlf := strings.Contains(text, "\r\n")
	lines := SplitLines(text)

	order := make([]int, len(edits))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return edits[order[a]].Loc.StartLine < edits[order[b]].Loc.StartLine
	})
	for k := 1; k < len(order); k++ {
		prev, cur := edits[order[k-1]].Loc, edits[order[k]].Loc
		if cur.StartLine <= prev.EndLine {
			return "", nil, fmt.Errorf("cardblock: overlapping edits at lines %d and %d: %w",
				prev.StartLine, cur.StartLine, apperr.ErrDocumentDrift)
		}
	}

	replacements := make([][]string, len(edits))
	for i, e := range edits {
		if e.Loc.StartLine < 0 || e.Loc.EndLine >= len(lines) || e.Loc.EndLine < e.Loc.StartLine {
			return "", nil, fmt.Errorf("cardblock: lines %d-%d outside %s: %w",
				e.Loc.StartLine, e.Loc.EndLine, e.Loc.Path, apperr.ErrDocumentDrift)
		}
		if e.Content == "" {
			continue
		}
		if cid, err := identity.CID(e.Content); err != nil || cid != e.NewCID {
			return "", nil, fmt.Errorf("cardblock: replacement does not hash to %s: %w",
				e.NewCID, apperr.ErrDocumentDrift)
		}
		expect := e.Expect
		if expect == "" {
			expect = e.OldCID
		}
		current := strings.Join(lines[e.Loc.StartLine:e.Loc.EndLine+1], "\n")
		cid, err := identity.CID(current)
		if err == nil && cid == e.NewCID {
			continue
		}
		if err != nil || cid != expect {
			return "", nil, fmt.Errorf("cardblock: %s lines %d-%d no longer hold %s: %w",
				e.Loc.Path, e.Loc.StartLine, e.Loc.EndLine, expect, apperr.ErrDocumentDrift)
		}
		replacements[i] = SplitLines(e.Content)
	}

	// Bottom-up so earlier line numbers stay valid.
	for k := len(order) - 1; k >= 0; k-- {
		i := order[k]
		e := edits[i]
		if replacements[i] != nil {
			tail := append([]string(nil), lines[e.Loc.EndLine+1:]...)
			lines = append(append(lines[:e.Loc.StartLine], replacements[i]...), tail...)
		}
		if m := e.Loc.StartLine - 1; m >= 0 {
			lines[m] = strings.ReplaceAll(lines[m], MarkerText(e.OldCID), MarkerText(e.NewCID))
		}
	}

	out := make([]models.CardLocation, len(edits))
	offset := 0
	for _, i := range order {
		e := edits[i]
		n := e.Loc.EndLine - e.Loc.StartLine + 1
		if replacements[i] != nil {
			n = len(replacements[i])
		}
		start := e.Loc.StartLine + offset
		out[i] = models.CardLocation{Path: e.Loc.Path, StartLine: start, EndLine: start + n - 1}
		offset += n - (e.Loc.EndLine - e.Loc.StartLine + 1)
	}

	sep := "\n"
	if crlf {
		sep = "\r\n"
	}
	return strings.Join(lines, sep), out, nil
}
