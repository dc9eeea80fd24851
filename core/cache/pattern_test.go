package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/chartworker/core/cache"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"chart:*", "chart:42", true},
		{"chart:*", "chart:", true},
		{"chart:*", "interp:42", false},
		{"*", "", true},
		{"*:42", "chart:42", true},
		{"interp:*:en", "interp:user-7:natal:en", true},
		{"interp:*:en", "interp:user-7:natal:de", false},
		{"chart:?", "chart:1", true},
		{"chart:?", "chart:12", false},
		{"chart:[0-4]", "chart:3", true},
		{"chart:[0-4]", "chart:7", false},
		{"chart:[^0-4]", "chart:7", true},
		{"chart:[abc]x", "chart:bx", true},
		{`chart:\*`, "chart:*", true},
		{`chart:\*`, "chart:1", false},
		{"a*b*c", "axxbyyc", true},
		{"a*b*c", "axxbyy", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cache.Match(tt.pattern, tt.key), "%q ~ %q", tt.pattern, tt.key)
	}
}

func TestEscapePattern(t *testing.T) {
	t.Parallel()

	key := `chart:[weird]*?\key`
	p := cache.EscapePattern(key)
	assert.True(t, cache.Match(p, key))
	assert.False(t, cache.Match(p, "chart:[weird]xx\\key"))
	assert.NoError(t, cache.ValidatePattern(p))
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	assert.NoError(t, cache.ValidatePattern("chart:*"))
	assert.ErrorIs(t, cache.ValidatePattern(""), cache.ErrInvalidPattern)
	assert.ErrorIs(t, cache.ValidatePattern("chart:[0-9"), cache.ErrInvalidPattern)
	assert.ErrorIs(t, cache.ValidatePattern(`chart:\`), cache.ErrInvalidPattern)
}
