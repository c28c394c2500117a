package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// NormalizeText canonicalizes rendered page text for matching and hashing:
// full-width digits fold to ASCII, ideographic and horizontal whitespace
// collapse to single spaces, lines are trimmed, and blank lines dropped.
// Line breaks are preserved so label rules can work on a per-line basis.
func NormalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, ln := range lines {
		ln = strings.TrimSpace(collapseSpaces(foldWidth(ln)))
		if ln == "" {
			continue
		}
		out = append(out, ln)
	}
	b.WriteString(strings.Join(out, "\n"))
	return b.String()
}

// foldWidth maps full-width digits (Ｕ+ＦＦ１０ block) to ASCII.
// Japanese vacancy pages render counts like 残２席 with full-width digits.
func foldWidth(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return '0' + (r - '０')
		}
		return r
	}, s)
}

// collapseSpaces squashes runs of spaces, tabs, and ideographic space
// (U+3000) into a single ASCII space.
func collapseSpaces(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '　' {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// StableID derives the content-hash identifier of a record from its key
// fields. Keys are sorted so field iteration order cannot change the hash,
// and values are normalized first so formatting noise cannot either.
func StableID(fields map[string]string, keys []string) string {
	if len(keys) == 0 {
		keys = make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	h := sha256.New()
	for _, k := range sorted {
		h.Write([]byte(k))
		h.Write([]byte{0x1f})
		h.Write([]byte(strings.TrimSpace(collapseSpaces(foldWidth(fields[k])))))
		h.Write([]byte{0x1e})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
