package tokenizer

import "strings"

// byteTable maps each byte to a printable rune so that BPE symbols never
// contain whitespace or control characters.
type byteTable struct {
	enc [256]string
	dec map[rune]byte
}

func newByteTable() *byteTable {
	t := &byteTable{dec: make(map[rune]byte, 256)}
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := rune(256)
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = next
			next++
		}
		t.enc[b] = string(r)
		t.dec[r] = byte(b)
	}
	return t
}

func (t *byteTable) encode(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		sb.WriteString(t.enc[s[i]])
	}
	return sb.String()
}

// decode appends the bytes behind token's runes to dst. Runes outside the
// table are copied as UTF-8.
func (t *byteTable) decode(dst []byte, token string) []byte {
	for _, r := range token {
		if b, ok := t.dec[r]; ok {
			dst = append(dst, b)
		} else {
			dst = append(dst, string(r)...)
		}
	}
	return dst
}

// symbols returns the 256 single-byte symbols in byte order.
func (t *byteTable) symbols() []string {
	return append([]string(nil), t.enc[:]...)
}
