package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxEmojiBytes = 64

// CanonicalEmoji normalizes a reaction key: NFC, variation selectors removed.
// Skin-tone modifiers are kept, so "👍🏽" and "👍" are distinct reactions.
func CanonicalEmoji(raw string) (string, error) {
	s := norm.NFC.String(strings.TrimSpace(raw))
	s = strings.Map(func(r rune) rune {
		if r == '\uFE0F' || r == '\uFE0E' {
			return -1
		}
		return r
	}, s)
	if s == "" || len(s) > maxEmojiBytes || strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", ErrInvalidEmoji
	}
	return s, nil
}
