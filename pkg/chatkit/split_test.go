package chatkit

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortMessage(t *testing.T) {
	got := Split("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("expected single chunk, got %q", got)
	}
}

func TestSplitPrefersLineBreaks(t *testing.T) {
	msg := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 50)
	got := Split(msg, 60)
	if len(got) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %q", len(got), got)
	}
	if got[0] != strings.Repeat("a", 50) {
		t.Fatalf("first chunk should end at the line break, got %q", got[0])
	}
}

func TestSplitWordBoundary(t *testing.T) {
	msg := strings.Repeat("aaaa ", 30) // 150 chars, no newlines
	for _, chunk := range Split(msg, 60) {
		if len(chunk) > 60 {
			t.Fatalf("chunk exceeds limit: %d", len(chunk))
		}
		if strings.HasPrefix(chunk, " ") || strings.HasSuffix(chunk, " ") {
			t.Fatalf("chunk has boundary whitespace: %q", chunk)
		}
	}
}

func TestSplitHardCutWithoutBoundaries(t *testing.T) {
	msg := strings.Repeat("x", 250)
	got := Split(msg, 100)
	if len(got) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(got))
	}
	if strings.Join(got, "") != msg {
		t.Fatalf("concatenation does not reconstruct the message")
	}
}

func TestSplitReconstruction(t *testing.T) {
	var sb strings.Builder
	for i := 0; i < 300; i++ {
		sb.WriteString("line content number ")
		sb.WriteString(strings.Repeat("z", i%17))
		sb.WriteByte('\n')
	}
	msg := sb.String()
	chunks := Split(msg, DefaultChunkLimit)

	maxChunks := (len(msg) + DefaultChunkLimit - 1) / DefaultChunkLimit
	if len(chunks) > maxChunks+1 {
		t.Fatalf("too many chunks: %d for length %d", len(chunks), len(msg))
	}
	for i, c := range chunks {
		if n := len([]rune(c)); n > DefaultChunkLimit {
			t.Fatalf("chunk %d has %d runes", i, n)
		}
	}

	strip := func(s string) string {
		return strings.Map(func(r rune) rune {
			if r == ' ' || r == '\n' || r == '\t' {
				return -1
			}
			return r
		}, s)
	}
	if strip(strings.Join(chunks, "")) != strip(msg) {
		t.Fatalf("chunks do not reconstruct the original text")
	}
}

func TestSplitUnicodeSafe(t *testing.T) {
	msg := strings.Repeat("добрый день ", 40)
	for i, chunk := range Split(msg, 50) {
		if !utf8.ValidString(chunk) {
			t.Fatalf("chunk %d cut mid-rune", i)
		}
		if len([]rune(chunk)) > 50 {
			t.Fatalf("chunk %d exceeds rune limit", i)
		}
	}
}
