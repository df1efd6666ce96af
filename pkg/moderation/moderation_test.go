package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizer(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{Blocked: []string{"darn", "Heck"}})

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello world", "hello world"},
		{"masks word", "well darn it", "well **** it"},
		{"case insensitive", "HECK no", "**** no"},
		{"whole words only", "darnation", "darnation"},
		{"punctuation boundary", "darn!darn", "****!****"},
		{"fullwidth folded by NFKC", "ｄａｒｎ", "****"},
		{"strips control", "a\x00b\x1bc", "abc"},
		{"keeps newline and tab", "a\nb\tc", "a\nb\tc"},
		{"strips zero width", "d​arn", "****"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Filter(tt.in))
		})
	}
}

func TestNormalizerMaxLength(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{MaxLength: 3})
	assert.Equal(t, "héy", n.Filter("héyyyy"))
	assert.Equal(t, "ab", n.Filter("ab"))
}

func TestNormalizerCustomMask(t *testing.T) {
	n := NewNormalizer(NormalizerConfig{Blocked: []string{"bad"}, Mask: '#'})
	assert.Equal(t, "not ### at all", n.Filter("not bad at all"))
}

func TestChain(t *testing.T) {
	upper := FilterFunc(strings.ToUpper)
	exclaim := FilterFunc(func(s string) string { return s + "!" })

	assert.Equal(t, "HI!", Chain{upper, nil, exclaim}.Filter("hi"))
	assert.Equal(t, "hi", Chain{}.Filter("hi"))
	assert.Equal(t, "same", Identity.Filter("same"))
}
