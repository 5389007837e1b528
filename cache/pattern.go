package cache

import (
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
)

// Pattern is a compiled glob over cache keys. The language is deliberately
// small: `*` matches any run of characters (including none), `?` matches
// exactly one character, and `\` escapes the next character. Everything
// else is a literal. The same pattern drives the remote SCAN MATCH
// expression and the local linear scans, so both tiers agree on what a
// pattern deletes.
type Pattern struct {
	glob  string
	match string
	re    *regexp.Regexp
}

// ParsePattern compiles a glob.
func ParsePattern(glob string) (Pattern, error) {
	var re, match strings.Builder
	re.WriteString("^(?s)")
	escaped := false
	for _, r := range glob {
		if escaped {
			re.WriteString(regexp.QuoteMeta(string(r)))
			match.WriteString(redisEscape(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '*':
			re.WriteString(".*")
			match.WriteByte('*')
		case '?':
			re.WriteString(".")
			match.WriteByte('?')
		default:
			re.WriteString(regexp.QuoteMeta(string(r)))
			match.WriteString(redisEscape(string(r)))
		}
	}
	if escaped {
		return Pattern{}, errors.Wrapf(ErrInvalidPattern, "trailing escape in %q", glob)
	}
	re.WriteString("$")
	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return Pattern{}, errors.Mark(errors.Wrapf(err, "compile %q", glob), ErrInvalidPattern)
	}
	return Pattern{glob: glob, match: match.String(), re: compiled}, nil
}

// MustPattern is like ParsePattern but panics on error. Use it for
// patterns built from constants.
func MustPattern(glob string) Pattern {
	p, err := ParsePattern(glob)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether key matches the pattern.
func (p Pattern) Match(key string) bool {
	if p.re == nil {
		return false
	}
	return p.re.MatchString(key)
}

// RedisMatch returns the SCAN MATCH expression for the pattern with the
// given key prefix prepended. The prefix is matched literally.
func (p Pattern) RedisMatch(prefix string) string {
	if prefix == "" {
		return p.match
	}
	return redisEscape(prefix+":") + p.match
}

// String returns the source glob.
func (p Pattern) String() string {
	return p.glob
}

// EscapeGlob quotes every wildcard in s so it matches only itself. Use it
// when building patterns from identifiers supplied by callers.
func EscapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '*' || r == '?' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func redisEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\', '^':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
