// Package sanitize turns remote titles into filesystem-safe names. The
// rules are stable across releases: existing partial files are keyed by
// the sanitized name, so changing them would orphan resumable downloads.
package sanitize

import (
	"strings"
	"unicode"
)

const maxNameLength = 200

var reservedNames = map[string]struct{}{
	"con": {}, "prn": {}, "aux": {}, "nul": {},
	"com1": {}, "com2": {}, "com3": {}, "com4": {}, "com5": {},
	"com6": {}, "com7": {}, "com8": {}, "com9": {},
	"lpt1": {}, "lpt2": {}, "lpt3": {}, "lpt4": {}, "lpt5": {},
	"lpt6": {}, "lpt7": {}, "lpt8": {}, "lpt9": {},
}

// Filename maps a remote title to a safe filename: forbidden and control
// characters become underscores, reserved device names get an underscore
// prefix, whitespace runs collapse to one space, leading dots are stripped,
// and the result is trimmed and capped at 200 characters.
func Filename(name string) string {
	var b strings.Builder

	b.Grow(len(name))

	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}

	out := b.String()

	out = collapseWhitespace(out)
	out = strings.TrimLeft(out, ".")
	out = strings.TrimSpace(out)

	// Reserved-name detection runs on the normalized name, otherwise
	// padding like " con.mp4" or ".CON" slips through unprefixed.
	if isReserved(out) {
		out = "_" + out
	}

	if runes := []rune(out); len(runes) > maxNameLength {
		out = string(runes[:maxNameLength])
		out = strings.TrimSpace(out)
	}

	return out
}

// isReserved checks the name stem against Windows device names.
func isReserved(name string) bool {
	stem := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		stem = name[:i]
	}

	_, ok := reservedNames[strings.ToLower(stem)]

	return ok
}

func collapseWhitespace(s string) string {
	var b strings.Builder

	b.Grow(len(s))

	inRun := false

	for _, r := range s {
		if unicode.IsSpace(r) {
			if !inRun {
				b.WriteByte(' ')
			}

			inRun = true

			continue
		}

		inRun = false

		b.WriteRune(r)
	}

	return b.String()
}
