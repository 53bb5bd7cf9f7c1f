package pipeline

import (
	"strings"
)

// DefaultChunkSize bounds chunk length in bytes for the paragraph strategy.
const DefaultChunkSize = 2000

// paragraphChunker is the default chunking strategy: split canonical content
// on blank lines, then pack consecutive paragraphs into chunks up to maxSize.
// A single paragraph longer than maxSize is hard-split on the byte boundary.
type paragraphChunker struct {
	maxSize int
}

func newParagraphChunker(maxSize int) *paragraphChunker {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	return &paragraphChunker{maxSize: maxSize}
}

func (c *paragraphChunker) Name() string { return "paragraph" }

func (c *paragraphChunker) Split(content string) []string {
	paragraphs := splitParagraphs(content)
	var chunks []string
	var current strings.Builder
	for _, p := range paragraphs {
		if len(p) > c.maxSize {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, hardSplit(p, c.maxSize)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(p)+2 > c.maxSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

func splitParagraphs(content string) []string {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hardSplit(p string, maxSize int) []string {
	var parts []string
	for len(p) > maxSize {
		cut := maxSize
		// Back up to a space so words survive the split when one is near.
		if idx := strings.LastIndexByte(p[:maxSize], ' '); idx > maxSize/2 {
			cut = idx
		}
		parts = append(parts, strings.TrimSpace(p[:cut]))
		p = strings.TrimSpace(p[cut:])
	}
	if p != "" {
		parts = append(parts, p)
	}
	return parts
}
