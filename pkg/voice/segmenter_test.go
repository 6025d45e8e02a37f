package voice

import (
	"reflect"
	"testing"
)

func TestSegmenterFeedTerminators(t *testing.T) {
	cases := []struct {
		name   string
		tokens []string
		want   []string
	}{
		{
			name:   "single token full sentence",
			tokens: []string{"Hello there!"},
			want:   []string{"Hello there!"},
		},
		{
			name:   "split across many tokens",
			tokens: []string{"Hel", "lo ", "there", "!", " How are", " you?"},
			want:   []string{"Hello there!", "How are you?"},
		},
		{
			name:   "question mark",
			tokens: []string{"Are you OK?"},
			want:   []string{"Are you OK?"},
		},
		{
			name:   "japanese terminators",
			tokens: []string{"こんにちは。", "元気ですか？"},
			want:   []string{"こんにちは。", "元気ですか？"},
		},
		{
			name:   "paragraph break with no terminator",
			tokens: []string{"no punctuation here\n\nnext paragraph"},
			want:   []string{"no punctuation here"},
		},
		{
			name:   "terminator wins over later paragraph break",
			tokens: []string{"Done now!\n\nMore text"},
			want:   []string{"Done now!"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seg := NewSegmenter()
			var got []string
			for _, tok := range tc.tokens {
				got = append(got, seg.Feed(tok)...)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSegmenterFlushResidual(t *testing.T) {
	seg := NewSegmenter()
	if got := seg.Feed("partial sentence without terminator"); got != nil {
		t.Fatalf("expected no sentences yet, got %v", got)
	}
	got := seg.Flush()
	want := []string{"partial sentence without terminator"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	// Flush resets the buffer; a second Flush on an empty Segmenter yields nothing.
	if got := seg.Flush(); got != nil {
		t.Fatalf("expected nil after reset, got %v", got)
	}
}

func TestSegmenterFlushWhitespaceOnlyYieldsNothing(t *testing.T) {
	seg := NewSegmenter()
	seg.Feed("   \n  ")
	if got := seg.Flush(); got != nil {
		t.Fatalf("expected no sentence from whitespace-only residual, got %v", got)
	}
}

func TestSegmenterIdempotentAfterDrain(t *testing.T) {
	seg := NewSegmenter()
	first := seg.Feed("One! Two? Three!")
	if len(first) != 3 {
		t.Fatalf("expected 3 sentences, got %d: %v", len(first), first)
	}
	// Feeding more text after a full drain must not resurface old content.
	second := seg.Feed("Four!")
	want := []string{"Four!"}
	if !reflect.DeepEqual(second, want) {
		t.Fatalf("got %v, want %v", second, want)
	}
}

func TestSegmenterEmptyStreamFlush(t *testing.T) {
	seg := NewSegmenter()
	if got := seg.Flush(); got != nil {
		t.Fatalf("expected nil flush on empty segmenter, got %v", got)
	}
}
