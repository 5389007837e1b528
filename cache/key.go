package cache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// KeyBuilder produces deterministic keys of the form
// `<namespace>:<entity>:<name>:<value>|<name>:<value>` with parameters
// sorted by name, so logically identical queries always share a key.
type KeyBuilder struct {
	namespace string
	maxParams int
}

// NewKeyBuilder returns a builder for the given namespace.
func NewKeyBuilder(namespace string) KeyBuilder {
	return KeyBuilder{namespace: namespace}
}

// WithMaxParamLength replaces parameter sections longer than n bytes with
// an xxhash digest. Zero disables digesting.
func (b KeyBuilder) WithMaxParamLength(n int) KeyBuilder {
	b.maxParams = n
	return b
}

// Namespace returns the namespace.
func (b KeyBuilder) Namespace() string {
	return b.namespace
}

// Key builds the key for entity and params.
func (b KeyBuilder) Key(entity string, params map[string]any) string {
	prefix := b.namespace
	if entity != "" {
		prefix = joinSegments(prefix, entity)
	}
	section := EncodeParams(params)
	if b.maxParams > 0 && len(section) > b.maxParams {
		section = "h:" + strconv.FormatUint(xxhash.Sum64String(section), 16)
	}
	return joinSegments(prefix, section)
}

// Pattern returns the glob matching every key of entity.
func (b KeyBuilder) Pattern(entity string) string {
	return joinSegments(EscapeGlob(b.namespace), EscapeGlob(entity)) + ":*"
}

// BuildKey is a shorthand for a prefix followed by the canonical encoding
// of params.
func BuildKey(prefix string, params map[string]any) string {
	return joinSegments(prefix, EncodeParams(params))
}

// EncodeParams renders params as `name:value` pairs sorted by name and
// joined by `|`. A backslash escapes `|` and `\` in names and values, and
// `:` in names, so distinct params never encode to the same string. Values
// keep their colons, the first unescaped `:` of a pair ends the name.
func EncodeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(nameEscaper.Replace(name))
		b.WriteByte(':')
		b.WriteString(valueEscaper.Replace(formatParam(params[name])))
	}
	return b.String()
}

var (
	nameEscaper  = strings.NewReplacer(`\`, `\\`, `|`, `\|`, `:`, `\:`)
	valueEscaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)
	itemEscaper  = strings.NewReplacer(`\`, `\\`, `,`, `\,`)
)

func formatParam(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = itemEscaper.Replace(item)
		}
		return strings.Join(items, ",")
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case time.Duration:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func joinSegments(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + ":" + b
	}
}
