package cache

import (
	"fmt"
	"strings"
)

// Patterns use Redis glob syntax so that the same pattern selects the same
// keys in every tier: '*' matches any run, '?' one byte, '[abc]', '[^abc]'
// and '[a-z]' match classes, and '\' escapes the next byte.

// ValidatePattern rejects patterns the tiers would disagree on.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i == len(pattern)-1 {
				return fmt.Errorf("%w: trailing escape in %q", ErrInvalidPattern, pattern)
			}
			i++
		case '[':
			n := classWidth(pattern[i:])
			if n == 0 {
				return fmt.Errorf("%w: unterminated class in %q", ErrInvalidPattern, pattern)
			}
			i += n - 1
		}
	}
	return nil
}

// EscapePattern returns a pattern matching exactly key.
func EscapePattern(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

// Match reports whether key matches the glob pattern.
func Match(pattern, key string) bool {
	p, k := 0, 0
	starP, starK := -1, 0

	for k < len(key) {
		if p < len(pattern) {
			if pattern[p] == '*' {
				starP, starK = p, k
				p++
				continue
			}
			if n, ok := matchOne(pattern[p:], key[k]); ok {
				p += n
				k++
				continue
			}
		}
		if starP < 0 {
			return false
		}
		// Let the last star swallow one more byte and retry.
		starK++
		p, k = starP+1, starK
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchOne matches a single non-star token at the start of pat against c and
// returns the token width.
func matchOne(pat string, c byte) (int, bool) {
	switch pat[0] {
	case '?':
		return 1, true
	case '\\':
		if len(pat) > 1 {
			return 2, pat[1] == c
		}
		return 1, c == '\\'
	case '[':
		n := classWidth(pat)
		if n == 0 {
			return 1, c == '['
		}
		return n, classMatch(pat[1:n-1], c)
	default:
		return 1, pat[0] == c
	}
}

// classWidth returns the length of the class starting at pat[0] == '[',
// including both brackets, or 0 when it is not terminated.
func classWidth(pat string) int {
	for i := 1; i < len(pat); i++ {
		switch pat[i] {
		case '\\':
			i++
		case ']':
			return i + 1
		}
	}
	return 0
}

func classMatch(class string, c byte) bool {
	negate := false
	if class != "" && class[0] == '^' {
		negate = true
		class = class[1:]
	}

	matched := false
	for i := 0; i < len(class); i++ {
		lo := class[i]
		if lo == '\\' && i+1 < len(class) {
			i++
			lo = class[i]
		}
		if i+2 < len(class) && class[i+1] == '-' {
			hi := class[i+2]
			if hi == '\\' && i+3 < len(class) {
				hi = class[i+3]
				i++
			}
			i += 2
			if lo > hi {
				lo, hi = hi, lo
			}
			if c >= lo && c <= hi {
				matched = true
			}
			continue
		}
		if c == lo {
			matched = true
		}
	}
	return matched != negate
}
