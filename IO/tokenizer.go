package IO

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Ali-Raza-H/SLM-VisualModel/params"
)

// ByteTokenizer maps every UTF-8 byte to an id in [0,255]; BOS/EOS/PAD follow.
// No merges, no training: the vocabulary is fixed and fully enumerable.
type ByteTokenizer struct {
	BOS, EOS, PAD int
	Size          int
}

func NewByteTokenizer() *ByteTokenizer {
	return &ByteTokenizer{BOS: params.BOS, EOS: params.EOS, PAD: params.PAD, Size: params.MinVocabSize}
}

func (t *ByteTokenizer) VocabSize() int { return t.Size }

// Encode returns the raw bytes of text as ids.
func (t *ByteTokenizer) Encode(text string) []int {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids
}

// EncodePrompt encodes text, optionally prefixed by BOS.
func (t *ByteTokenizer) EncodePrompt(text string, withBOS bool) []int {
	ids := t.Encode(text)
	if !withBOS {
		return ids
	}
	return append([]int{t.BOS}, ids...)
}

// Decode keeps only byte ids and reassembles text. Invalid UTF-8 becomes U+FFFD
// one byte at a time, so decoding never fails.
func (t *ByteTokenizer) Decode(ids []int) string {
	raw := make([]byte, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && id < params.ByteVocabSize {
			raw = append(raw, byte(id))
		}
	}
	if utf8.Valid(raw) {
		return string(raw)
	}
	var sb strings.Builder
	sb.Grow(len(raw))
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r == utf8.RuneError && size <= 1 {
			sb.WriteRune(utf8.RuneError)
			raw = raw[1:]
			continue
		}
		sb.WriteRune(r)
		raw = raw[size:]
	}
	return sb.String()
}

// Piece is the display string for one id.
func (t *ByteTokenizer) Piece(id int) string {
	switch id {
	case t.BOS:
		return "<BOS>"
	case t.EOS:
		return "<EOS>"
	case t.PAD:
		return "<PAD>"
	}
	if id < 0 || id >= params.ByteVocabSize {
		return fmt.Sprintf("<UNK:%d>", id)
	}
	switch id {
	case '\n':
		return `\n`
	case '\t':
		return `\t`
	case '\r':
		return `\r`
	case ' ':
		return " "
	}
	if id >= 33 && id <= 126 {
		return string(rune(id))
	}
	return fmt.Sprintf(`\x%02x`, id)
}

// Pieces maps Piece over ids.
func (t *ByteTokenizer) Pieces(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = t.Piece(id)
	}
	return out
}
