// Package identity derives content identifiers (CIDs) for card blocks.
//
// A CID is "CID-" followed by the base-62 encoding of the first 64 bits of the
// SHA-256 digest of the normalized card text. Normalization lowercases the
// text and keeps only ASCII letters, digits, underscores and Han ideographs
// (U+4E00 to U+9FA5), so re-indentation, trailing spaces and punctuation
// edits do not change identity.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/starford/cardex/internal/apperr"
)

// Prefix tags every CID.
const Prefix = "CID-"

const (
	base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	digestHexLen   = 16
	minEncodedLen  = 8
)

var cidRe = regexp.MustCompile(`^CID-[0-9A-Za-z]{8,11}$`)

// Normalize lowercases s and keeps only [0-9a-z_] and Han ideographs in
// U+4E00..U+9FA5. Accented Latin, Cyrillic, kana and Hangul are dropped like
// punctuation; identities already persisted depend on exactly this set.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if keep(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func keep(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		return true
	case r >= 0x4E00 && r <= 0x9FA5:
		return true
	}
	return false
}

// CID returns the content identifier of card text. Text that normalizes to
// the empty string is rejected with apperr.ErrEmptyContent.
func CID(content string) (string, error) {
	norm := Normalize(content)
	if norm == "" {
		return "", apperr.ErrEmptyContent
	}
	sum := sha256.Sum256([]byte(norm))
	hexDigest := hex.EncodeToString(sum[:])
	n, err := strconv.ParseUint(hexDigest[:digestHexLen], 16, 64)
	if err != nil {
		return "", fmt.Errorf("identity: parse digest: %w", err)
	}
	return Prefix + Base62(n), nil
}

// Valid reports whether s is shaped like a CID.
func Valid(s string) bool {
	return cidRe.MatchString(s)
}

// Base62 encodes n with the 0-9A-Za-z alphabet, left-padded with '0' to eight
// characters.
func Base62(n uint64) string {
	var buf [11]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62Alphabet[n%62]
		n /= 62
	}
	enc := string(buf[i:])
	if len(enc) < minEncodedLen {
		enc = strings.Repeat("0", minEncodedLen-len(enc)) + enc
	}
	return enc
}
