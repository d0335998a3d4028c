package memory

import (
	"strings"
	"unicode"
)

// charsPerToken is the rough character budget per token used to convert the
// configured token target into a byte budget.
const charsPerToken = 4

// Chunker splits document content into bounded spans, preferring paragraph
// and sentence boundaries over hard truncation. No text outside boundary
// whitespace is ever dropped: concatenating a document's chunks reconstructs
// its content.
type Chunker struct {
	targetTokens int
}

// NewChunker creates a Chunker targeting roughly targetTokens per chunk.
func NewChunker(targetTokens int) *Chunker {
	if targetTokens <= 0 {
		targetTokens = 200
	}
	return &Chunker{targetTokens: targetTokens}
}

// Split decomposes content into ordered chunks.
func (c *Chunker) Split(content string) []Chunk {
	budget := c.targetTokens * charsPerToken

	var spans []string
	for _, para := range splitParagraphs(content) {
		if len(para) <= budget {
			spans = appendOrMerge(spans, para, budget)
			continue
		}
		for _, sentence := range splitSentences(para) {
			if len(sentence) <= budget {
				spans = appendOrMerge(spans, sentence, budget)
				continue
			}
			// A single oversized sentence: hard cut at the budget.
			for len(sentence) > budget {
				spans = append(spans, sentence[:budget])
				sentence = sentence[budget:]
			}
			if strings.TrimSpace(sentence) != "" {
				spans = appendOrMerge(spans, sentence, budget)
			}
		}
	}

	chunks := make([]Chunk, 0, len(spans))
	for i, span := range spans {
		chunks = append(chunks, Chunk{Position: i, Content: span})
	}
	return chunks
}

// appendOrMerge packs a span into the previous chunk when both fit the
// budget, keeping chunk count low for short paragraphs.
func appendOrMerge(spans []string, span string, budget int) []string {
	if n := len(spans); n > 0 && len(spans[n-1])+len(span)+2 <= budget {
		spans[n-1] = spans[n-1] + "\n\n" + span
		return spans
	}
	return append(spans, span)
}

func splitParagraphs(content string) []string {
	var paras []string
	for _, p := range strings.Split(content, "\n\n") {
		if strings.TrimSpace(p) == "" {
			continue
		}
		paras = append(paras, strings.TrimRightFunc(p, unicode.IsSpace))
	}
	return paras
}

// splitSentences breaks text after sentence-final punctuation followed by a
// space, keeping the punctuation with the preceding sentence.
func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		switch text[i] {
		case '.', '!', '?':
			if text[i+1] == ' ' || text[i+1] == '\n' {
				sentences = append(sentences, text[start:i+1])
				start = i + 2
				if start > len(text) {
					start = len(text)
				}
				i++
			}
		}
	}
	if start < len(text) {
		tail := text[start:]
		if strings.TrimSpace(tail) != "" {
			sentences = append(sentences, tail)
		}
	}
	return sentences
}
