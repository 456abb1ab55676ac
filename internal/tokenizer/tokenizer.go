// Package tokenizer implements byte-level BPE as used by GPT-2.
package tokenizer

// Tokenizer maps text to token ids and back.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}
