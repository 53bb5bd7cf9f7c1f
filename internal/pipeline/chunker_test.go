package pipeline

import (
	"strings"
	"testing"
)

func TestSplitPacksParagraphs(t *testing.T) {
	c := newParagraphChunker(40)
	content := "first paragraph\n\nsecond one\n\nthird paragraph here"

	chunks := c.Split(content)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(chunks), chunks)
	}
	if chunks[0] != "first paragraph\n\nsecond one" {
		t.Fatalf("chunk[0] = %q", chunks[0])
	}
	if chunks[1] != "third paragraph here" {
		t.Fatalf("chunk[1] = %q", chunks[1])
	}
}

func TestSplitNormalizesBlankLinesAndCRLF(t *testing.T) {
	c := newParagraphChunker(100)
	content := "alpha\r\n\r\nbeta\n\n\n\n  \n\ngamma"

	chunks := c.Split(content)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1: %q", len(chunks), chunks)
	}
	if strings.Contains(chunks[0], "\r") {
		t.Fatalf("carriage return survived: %q", chunks[0])
	}
	for _, word := range []string{"alpha", "beta", "gamma"} {
		if !strings.Contains(chunks[0], word) {
			t.Fatalf("chunk lost %q: %q", word, chunks[0])
		}
	}
}

func TestSplitHardSplitsOversizedParagraph(t *testing.T) {
	c := newParagraphChunker(50)
	long := strings.Repeat("word ", 30) // 150 bytes, no blank lines
	chunks := c.Split(long)

	if len(chunks) < 3 {
		t.Fatalf("chunks = %d, want >= 3 for a 150-byte paragraph at max 50", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 50 {
			t.Fatalf("chunk[%d] length = %d, exceeds max", i, len(chunk))
		}
		// The split backs up to a space, so words stay intact.
		for _, w := range strings.Fields(chunk) {
			if w != "word" {
				t.Fatalf("chunk[%d] broke a word: %q", i, w)
			}
		}
	}
}

func TestSplitHardSplitWithoutSpaces(t *testing.T) {
	c := newParagraphChunker(10)
	chunks := c.Split(strings.Repeat("x", 25))
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0] != strings.Repeat("x", 10) || chunks[2] != strings.Repeat("x", 5) {
		t.Fatalf("unexpected split: %q", chunks)
	}
}

func TestSplitEmptyContent(t *testing.T) {
	c := newParagraphChunker(DefaultChunkSize)
	if chunks := c.Split("   \n\n \n"); len(chunks) != 0 {
		t.Fatalf("chunks = %d, want 0 for whitespace-only content", len(chunks))
	}
}

func TestDefaultSizeApplied(t *testing.T) {
	c := newParagraphChunker(0)
	if c.maxSize != DefaultChunkSize {
		t.Fatalf("maxSize = %d, want %d", c.maxSize, DefaultChunkSize)
	}
	if c.Name() != "paragraph" {
		t.Fatalf("name = %q", c.Name())
	}
}
