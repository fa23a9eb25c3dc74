package indexer

import (
	"fmt"
	"sort"
	"unicode"
)

const (
	DefaultChunkTokens  = 512
	DefaultChunkOverlap = 64
)

// separators are tried level by level when a span exceeds the token budget:
// paragraphs, lines, then sentence ends.
var separators = [][]string{
	{"\n\n"},
	{"\n"},
	{". ", "? ", "! ", "。", "？", "！", "；"},
}

// Chunker splits unit text into overlapping token-bounded chunks.
type Chunker struct {
	tokens    int
	overlap   int
	tokenizer Tokenizer
}

// NewChunker creates a chunker with target size tokens and overlap tokens.
// A nil tokenizer selects HeuristicTokenizer.
func NewChunker(tokens, overlap int, tokenizer Tokenizer) (*Chunker, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("chunk tokens must be positive, got %d", tokens)
	}
	if overlap < 0 || overlap >= tokens {
		return nil, fmt.Errorf("chunk overlap must be in [0, %d), got %d", tokens, overlap)
	}
	if tokenizer == nil {
		tokenizer = HeuristicTokenizer{}
	}
	return &Chunker{tokens: tokens, overlap: overlap, tokenizer: tokenizer}, nil
}

// Tokenizer returns the tokenizer used for sizing.
func (c *Chunker) Tokenizer() Tokenizer {
	return c.tokenizer
}

type span struct {
	start, end int
}

// Chunk splits text. Empty or whitespace-only text yields no chunks; text
// within the budget yields exactly one.
func (c *Chunker) Chunk(text string) []Chunk {
	runes := []rune(text)
	whole, ok := trimSpan(runes, span{0, len(runes)})
	if !ok {
		return nil
	}
	if n := c.count(runes, whole); n <= c.tokens {
		return []Chunk{{Index: 0, Text: string(runes[whole.start:whole.end]), Start: whole.start, End: whole.end, Tokens: n}}
	}

	pieces := c.split(runes, whole, 0)
	var chunks []Chunk
	i := 0
	start := pieces[0].start
	for i < len(pieces) {
		if c.count(runes, span{start, pieces[i].end}) > c.tokens {
			// overlap and the next piece do not fit together
			start = pieces[i].start
		}
		end := pieces[i].end
		j := i + 1
		for j < len(pieces) && c.count(runes, span{start, pieces[j].end}) <= c.tokens {
			end = pieces[j].end
			j++
		}

		chunk := span{start, end}
		chunks = append(chunks, Chunk{
			Index:  len(chunks),
			Text:   string(runes[chunk.start:chunk.end]),
			Start:  chunk.start,
			End:    chunk.end,
			Tokens: c.count(runes, chunk),
		})

		i = j
		if i < len(pieces) {
			start = c.overlapStart(runes, chunk, pieces[i].start)
		}
	}
	return chunks
}

// split breaks sp into pieces that each fit the budget, trying separators
// from coarse to fine before falling back to a hard cut.
func (c *Chunker) split(runes []rune, sp span, level int) []span {
	if c.count(runes, sp) <= c.tokens {
		return []span{sp}
	}
	if level >= len(separators) {
		return c.hardSplit(runes, sp)
	}

	seps := make([][]rune, len(separators[level]))
	for i, s := range separators[level] {
		seps[i] = []rune(s)
	}
	var out []span
	from := sp.start
	for pos := sp.start; pos < sp.end; pos++ {
		sep := matchAt(runes, pos, sp.end, seps)
		if sep == nil {
			continue
		}
		// sentence punctuation stays with the left piece
		cut := pos
		if level >= 2 {
			cut = pos + 1
		}
		if part, ok := trimSpan(runes, span{from, cut}); ok {
			out = append(out, c.split(runes, part, level+1)...)
		}
		from = pos + len(sep)
		pos = from - 1
	}
	if part, ok := trimSpan(runes, span{from, sp.end}); ok {
		out = append(out, c.split(runes, part, level+1)...)
	}
	return out
}

// matchAt returns the first of seps found at pos that ends by end.
func matchAt(runes []rune, pos, end int, seps [][]rune) []rune {
	for _, sep := range seps {
		if pos+len(sep) <= end && hasPrefixAt(runes, pos, sep) {
			return sep
		}
	}
	return nil
}

// hardSplit cuts sp into the longest prefixes that fit the budget.
func (c *Chunker) hardSplit(runes []rune, sp span) []span {
	var out []span
	start := sp.start
	for start < sp.end {
		n := sp.end - start
		size := sort.Search(n, func(k int) bool {
			return c.count(runes, span{start, start + k + 1}) > c.tokens
		})
		if size == 0 {
			size = 1
		}
		if part, ok := trimSpan(runes, span{start, start + size}); ok {
			out = append(out, part)
		}
		start += size
	}
	return out
}

// overlapStart returns where the chunk following prev should begin so that
// it repeats about overlap tokens of prev. next is the start of the first
// unconsumed piece.
func (c *Chunker) overlapStart(runes []rune, prev span, next int) int {
	if c.overlap == 0 {
		return next
	}
	n := prev.end - prev.start
	// smallest offset whose suffix fits the overlap budget
	k := sort.Search(n, func(k int) bool {
		return c.count(runes, span{prev.start + k, prev.end}) <= c.overlap
	})
	pos := prev.start + k
	if pos <= prev.start {
		pos = prev.start + 1
	}
	// do not start in the middle of a word
	for pos < prev.end && pos > 0 && isWordRune(runes[pos-1]) && isWordRune(runes[pos]) {
		pos++
	}
	for pos < prev.end && unicode.IsSpace(runes[pos]) {
		pos++
	}
	if pos >= prev.end {
		return next
	}
	return pos
}

func (c *Chunker) count(runes []rune, sp span) int {
	return c.tokenizer.Count(string(runes[sp.start:sp.end]))
}

func trimSpan(runes []rune, sp span) (span, bool) {
	for sp.start < sp.end && unicode.IsSpace(runes[sp.start]) {
		sp.start++
	}
	for sp.end > sp.start && unicode.IsSpace(runes[sp.end-1]) {
		sp.end--
	}
	return sp, sp.end > sp.start
}

func hasPrefixAt(runes []rune, pos int, sep []rune) bool {
	for i, r := range sep {
		if runes[pos+i] != r {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return !isCJK(r) && (unicode.IsLetter(r) || unicode.IsDigit(r))
}
