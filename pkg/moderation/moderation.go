// Package moderation filters chat-like text before it is sent to clients.
//
// The sync core treats a Filter as a pure function from string to string;
// it never changes framing and never fails.
package moderation

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Filter rewrites outbound text.
type Filter interface {
	Filter(text string) string
}

// FilterFunc adapts a function to a Filter.
type FilterFunc func(string) string

// Filter implements Filter.
func (f FilterFunc) Filter(s string) string { return f(s) }

// Identity returns its input unchanged.
var Identity Filter = FilterFunc(func(s string) string { return s })

// Chain applies filters in order.
type Chain []Filter

// Filter implements Filter.
func (c Chain) Filter(s string) string {
	for _, f := range c {
		if f != nil {
			s = f.Filter(s)
		}
	}
	return s
}

// NormalizerConfig configures a Normalizer.
type NormalizerConfig struct {
	// Blocked lists words replaced by Mask. Matching is case-insensitive
	// and compares whole words after normalization.
	Blocked []string

	// Mask is the rune blocked words are replaced with, one per rune.
	// Default: '*'
	Mask rune

	// MaxLength truncates the text to this many runes. 0 means unlimited.
	MaxLength int
}

// Normalizer is the default Filter. It applies Unicode NFKC normalization,
// strips control and format characters except newlines and tabs, masks
// blocked words and truncates overly long text.
type Normalizer struct {
	blocked   map[string]struct{}
	mask      rune
	maxLength int
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(config NormalizerConfig) *Normalizer {
	n := &Normalizer{
		blocked:   make(map[string]struct{}, len(config.Blocked)),
		mask:      config.Mask,
		maxLength: config.MaxLength,
	}
	if n.mask == 0 {
		n.mask = '*'
	}
	fold := cases.Fold()
	for _, w := range config.Blocked {
		w = fold.String(norm.NFKC.String(strings.TrimSpace(w)))
		if w != "" {
			n.blocked[w] = struct{}{}
		}
	}
	return n
}

// Filter implements Filter.
func (n *Normalizer) Filter(s string) string {
	s = norm.NFKC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			return -1
		}
		return r
	}, s)

	if len(n.blocked) > 0 {
		s = n.maskWords(s)
	}

	if n.maxLength > 0 {
		count := 0
		for i := range s {
			if count == n.maxLength {
				s = s[:i]
				break
			}
			count++
		}
	}
	return s
}

// maskWords replaces blocked words. A Caser is stateful, so each call
// folds with its own.
func (n *Normalizer) maskWords(s string) string {
	fold := cases.Fold()
	var b strings.Builder
	b.Grow(len(s))
	start := -1
	flush := func(end int) {
		word := s[start:end]
		if _, ok := n.blocked[fold.String(word)]; ok {
			for range word {
				b.WriteRune(n.mask)
			}
		} else {
			b.WriteString(word)
		}
		start = -1
	}
	for i, r := range s {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case isWord && start < 0:
			start = i
		case !isWord && start >= 0:
			flush(i)
			b.WriteRune(r)
		case !isWord:
			b.WriteRune(r)
		}
	}
	if start >= 0 {
		flush(len(s))
	}
	return b.String()
}
