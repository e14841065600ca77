package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalEmoji(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"\U0001F44D", "\U0001F44D"},
		{" \U0001F44D ", "\U0001F44D"},
		{"\u2764\uFE0F", "\u2764"},
		{"\u263A\uFE0E", "\u263A"},
		{"\U0001F44D\U0001F3FD", "\U0001F44D\U0001F3FD"},
		{"e\u0301", "\u00E9"},
	}
	for _, tc := range cases {
		got, err := CanonicalEmoji(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got)
	}

	for _, bad := range []string{"", "   ", "\uFE0F", "a b", strings.Repeat("\U0001F44D", 17)} {
		_, err := CanonicalEmoji(bad)
		assert.ErrorIs(t, err, ErrInvalidEmoji, bad)
	}
}

