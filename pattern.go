package livepatch

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Pattern is a byte signature with wildcards. The zero Pattern is empty and
// is rejected by the scanner.
type Pattern struct {
	bytes []byte
	mask  []bool // false for wildcard positions

	// Index of the first non-wildcard byte, or -1.
	anchor int
}

// NewPattern builds a pattern from b and a mask of the same length in which
// 'x' marks a byte that must match and '?' a wildcard.
func NewPattern(b []byte, mask string) (Pattern, error) {
	if len(b) == 0 {
		return Pattern{}, newError(InvalidArgument, 0, "empty pattern")
	}
	if len(mask) != len(b) {
		return Pattern{}, newError(InvalidArgument, 0, "mask length %d does not match pattern length %d", len(mask), len(b))
	}

	p := Pattern{
		bytes:  make([]byte, len(b)),
		mask:   make([]bool, len(b)),
		anchor: -1,
	}
	for i := range b {
		switch mask[i] {
		case 'x':
			p.bytes[i] = b[i]
			p.mask[i] = true
			if p.anchor < 0 {
				p.anchor = i
			}
		case '?':
		default:
			return Pattern{}, newError(InvalidArgument, 0, "mask character %q at %d", mask[i], i)
		}
	}
	return p, nil
}

// ParsePattern parses a space separated signature such as
// "68 ?? ?? ?? ?? E8". Either "?" or "??" is a wildcard.
func ParsePattern(s string) (Pattern, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Pattern{}, newError(InvalidArgument, 0, "empty pattern")
	}

	b := make([]byte, len(fields))
	mask := make([]byte, len(fields))
	for i, f := range fields {
		if f == "?" || f == "??" {
			mask[i] = '?'
			continue
		}
		if len(f) != 2 {
			return Pattern{}, newError(InvalidArgument, 0, "pattern byte %d: %q is not two hex digits", i, f)
		}
		v, err := hex.DecodeString(f)
		if err != nil {
			return Pattern{}, wrapError(InvalidArgument, 0, fmt.Errorf("pattern byte %d: %w", i, err))
		}
		b[i] = v[0]
		mask[i] = 'x'
	}
	return NewPattern(b, string(mask))
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of bytes the pattern covers.
func (p Pattern) Len() int {
	return len(p.bytes)
}

// Mask returns the mask in NewPattern form.
func (p Pattern) Mask() string {
	b := make([]byte, len(p.mask))
	for i, m := range p.mask {
		if m {
			b[i] = 'x'
		} else {
			b[i] = '?'
		}
	}
	return string(b)
}

func (p Pattern) String() string {
	var b strings.Builder
	for i := range p.bytes {
		if i > 0 {
			b.WriteByte(' ')
		}
		if p.mask[i] {
			fmt.Fprintf(&b, "%02X", p.bytes[i])
		} else {
			b.WriteString("??")
		}
	}
	return b.String()
}

// Match reports whether the pattern matches the start of b.
func (p Pattern) Match(b []byte) bool {
	if len(p.bytes) == 0 || len(b) < len(p.bytes) {
		return false
	}
	for i, want := range p.bytes {
		if p.mask[i] && b[i] != want {
			return false
		}
	}
	return true
}

// index returns the first offset at or after from where the pattern matches
// entirely within buf, or -1.
func (p Pattern) index(buf []byte, from int) int {
	n := len(p.bytes)
	for i := from; i+n <= len(buf); i++ {
		if p.anchor >= 0 {
			a := p.anchor
			j := bytes.IndexByte(buf[i+a:len(buf)-n+a+1], p.bytes[a])
			if j < 0 {
				return -1
			}
			i += j
		}
		if p.Match(buf[i:]) {
			return i
		}
	}
	return -1
}

func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParsePattern(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*p = parsed
	return nil
}

func (p Pattern) MarshalYAML() (any, error) {
	return p.String(), nil
}
