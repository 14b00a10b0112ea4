package livepatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePattern(t *testing.T) {
	tests := map[string]struct {
		in     string
		want   string
		mask   string
		errors bool
	}{
		"plain":         {in: "68 11 70 49 00", want: "68 11 70 49 00", mask: "xxxxx"},
		"wildcards":     {in: "68 ?? ?? ?? ??", want: "68 ?? ?? ?? ??", mask: "x????"},
		"single ?":      {in: "6a 00 ? e8", want: "6A 00 ?? E8", mask: "xx?x"},
		"extra spaces":  {in: "  83   EC 08 ", want: "83 EC 08", mask: "xxx"},
		"all wildcards": {in: "?? ??", want: "?? ??", mask: "??"},
		"empty":         {in: "", errors: true},
		"blank":         {in: "   ", errors: true},
		"short byte":    {in: "6 00", errors: true},
		"long byte":     {in: "683", errors: true},
		"not hex":       {in: "GG 00", errors: true},
		"bad wildcard":  {in: "68 ???", errors: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			p, err := ParsePattern(tc.in)
			if tc.errors {
				assert.Error(err)
				assert.Equal(InvalidArgument, KindOf(err))
				return
			}
			if assert.NoError(err) {
				assert.Equal(tc.want, p.String())
				assert.Equal(tc.mask, p.Mask())
				assert.Equal(len(tc.mask), p.Len())
			}
		})
	}
}

func TestNewPattern(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPattern([]byte{0x68, 0, 0, 0, 0}, "x????")
	if assert.NoError(err) {
		assert.Equal("68 ?? ?? ?? ??", p.String())
	}

	_, err = NewPattern(nil, "")
	assert.ErrorIs(err, ErrInvalidArgument)

	_, err = NewPattern([]byte{1, 2}, "x")
	assert.ErrorIs(err, ErrInvalidArgument)

	_, err = NewPattern([]byte{1, 2}, "xz")
	assert.ErrorIs(err, ErrInvalidArgument)
}

func TestPatternMatch(t *testing.T) {
	assert := assert.New(t)

	p := MustParsePattern("68 ?? 70")
	assert.True(p.Match([]byte{0x68, 0x11, 0x70}))
	assert.True(p.Match([]byte{0x68, 0xff, 0x70, 0x00}))
	assert.False(p.Match([]byte{0x68, 0x11, 0x71}))
	assert.False(p.Match([]byte{0x68, 0x11}))
	assert.False(Pattern{}.Match([]byte{0x68}))
}

func TestPatternIndex(t *testing.T) {
	tests := map[string]struct {
		pattern string
		buf     []byte
		from    int
		want    int
	}{
		"first":             {"68 ??", []byte{0x68, 1, 0x68, 2}, 0, 0},
		"next":              {"68 ??", []byte{0x68, 1, 0x68, 2}, 1, 2},
		"anchor not first":  {"?? 70", []byte{0x70, 0x70, 0x70}, 0, 0},
		"anchor at end":     {"?? 70", []byte{0x00, 0x00, 0x70}, 0, 1},
		"anchor too early":  {"?? 70", []byte{0x70, 0x00, 0x00}, 0, -1},
		"no room":           {"68 11 70", []byte{0x68, 0x11}, 0, -1},
		"wildcards only":    {"?? ??", []byte{1, 2, 3, 4}, 1, 1},
		"wildcards no room": {"?? ??", []byte{1, 2, 3, 4}, 3, -1},
		"partial at end":    {"68 11", []byte{0, 0, 0x68}, 0, -1},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			p := MustParsePattern(tc.pattern)
			assert.Equal(t, tc.want, p.index(tc.buf, tc.from))
		})
	}
}

func TestPatternYAML(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var v struct {
		P Pattern `yaml:"p"`
	}
	require.NoError(yaml.Unmarshal([]byte(`p: "68 ?? 70"`), &v))
	assert.Equal("68 ?? 70", v.P.String())

	out, err := yaml.Marshal(v)
	require.NoError(err)
	assert.Contains(string(out), "68 ?? 70")

	err = yaml.Unmarshal([]byte("p: \"zz\"\n"), &v)
	if assert.Error(err) {
		assert.Contains(err.Error(), "line 1")
	}
}
