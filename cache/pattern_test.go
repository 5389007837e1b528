package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		glob  string
		key   string
		match bool
	}{
		{"role:query:teacher:*", "role:query:teacher:Li:limit:10", true},
		{"role:query:teacher:*", "role:query:student:Li", false},
		{"role:query:teacher:*", "role:query:teacher:", true},
		{"order:?", "order:1", true},
		{"order:?", "order:12", false},
		{"*", "anything", true},
		{"dashboard:today", "dashboard:today", true},
		{"dashboard:today", "dashboard:today:x", false},
		{"user:a.b:*", "user:aXb:profile", false},
		{`user:\*:*`, "user:*:profile", true},
		{`user:\*:*`, "user:42:profile", false},
		{"class:[1]:*", "class:[1]:roster", true},
		{"note:*", "note:line1\nline2", true},
		{"note:?:x", "note:\n:x", true},
	}
	for _, tt := range tests {
		t.Run(tt.glob+"/"+tt.key, func(t *testing.T) {
			p, err := ParsePattern(tt.glob)
			require.NoError(t, err)
			assert.Equal(t, tt.match, p.Match(tt.key))
		})
	}
}

func TestPatternRedisMatch(t *testing.T) {
	p := MustPattern("class:[1]:*")
	assert.Equal(t, `class:\[1\]:*`, p.RedisMatch(""))
	assert.Equal(t, `qc:class:\[1\]:*`, p.RedisMatch("qc"))
	assert.Equal(t, `a\*b:user:?`, MustPattern("user:?").RedisMatch("a*b"))
	assert.Equal(t, "class:[1]:*", p.String())
}

func TestPatternInvalid(t *testing.T) {
	_, err := ParsePattern(`role:\`)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.Panics(t, func() { MustPattern(`\`) })
	assert.False(t, Pattern{}.Match("x"))
}

func TestEscapeGlob(t *testing.T) {
	id := `a*b?c\d`
	p := MustPattern("user:" + EscapeGlob(id) + ":*")
	assert.True(t, p.Match(`user:a*b?c\d:orders`))
	assert.False(t, p.Match("user:aXXbYc:orders"))
}
