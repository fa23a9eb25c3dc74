package indexer

// Chunk is a slice of a unit's text sized for one embedding call.
type Chunk struct {
	Index  int    // Chunk index within the unit (starts at 0)
	Text   string // Chunk text content
	Start  int    // Rune offset of the first character within the unit text
	End    int    // Rune offset one past the last character
	Tokens int    // Token count under the chunker's tokenizer
}
