// Package cardblock locates card blocks in Markdown documents, reads their
// fields and applies verified line-level patches to them.
package cardblock

import (
	"regexp"
	"strings"

	"github.com/starford/cardex/internal/identity"
	"github.com/starford/cardex/internal/models"
)

// TypeSuffix marks a fence tag as a card type.
const TypeSuffix = "-card"

var (
	openFenceRe  = regexp.MustCompile("^\\s*```\\s*([A-Za-z0-9_-]+)\\s*$")
	anyFenceRe   = regexp.MustCompile("^\\s*```")
	closeFenceRe = regexp.MustCompile("^\\s*```\\s*$")
	markerRe     = regexp.MustCompile(`\[\[card:(CID-[0-9A-Za-z]+)\]\]`)
)

// Block is one card block found in a document.
type Block struct {
	Type      string // fence tag, e.g. "book-card"
	StartLine int    // opening fence, zero-based
	EndLine   int    // closing fence, inclusive
	Raw       string // fences and body joined by "\n"
	MarkerCID string // identity marker on the preceding line, if any
}

// Location returns the block's location within path.
func (b Block) Location(path string) models.CardLocation {
	return models.CardLocation{Path: path, StartLine: b.StartLine, EndLine: b.EndLine}
}

// SplitLines splits document text into lines without their terminators.
func SplitLines(text string) []string {
	return strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
}

// Scan returns every terminated card block in text, in document order.
// Fenced blocks whose tag is not a card type are skipped whole.
func Scan(text string) []Block {
	lines := SplitLines(text)
	var out []Block
	for i := 0; i < len(lines); i++ {
		if !anyFenceRe.MatchString(lines[i]) {
			continue
		}
		end := closingFence(lines, i+1)
		if end < 0 {
			// Unterminated fence swallows the rest of the document.
			break
		}
		m := openFenceRe.FindStringSubmatch(lines[i])
		if m != nil && IsCardType(m[1]) {
			b := Block{
				Type:      m[1],
				StartLine: i,
				EndLine:   end,
				Raw:       strings.Join(lines[i:end+1], "\n"),
			}
			if i > 0 {
				b.MarkerCID = Marker(lines[i-1])
			}
			out = append(out, b)
		}
		i = end
	}
	return out
}

// IsCardType reports whether a fence tag names a card type.
func IsCardType(tag string) bool {
	return len(tag) > len(TypeSuffix) && strings.HasSuffix(tag, TypeSuffix)
}

// Marker returns the CID referenced by a [[card:<cid>]] marker in line, or "".
func Marker(line string) string {
	m := markerRe.FindStringSubmatch(line)
	if m == nil || !identity.Valid(m[1]) {
		return ""
	}
	return m[1]
}

// MarkerText renders the identity marker for cid.
func MarkerText(cid string) string {
	return "[[card:" + cid + "]]"
}

func closingFence(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if closeFenceRe.MatchString(lines[j]) {
			return j
		}
	}
	return -1
}
