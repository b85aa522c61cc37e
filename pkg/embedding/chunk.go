package embedding

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the default max chunk length in bytes.
const DefaultChunkSize = 2000

// Chunk splits text into pieces of at most size bytes,
// cutting after sentence ends where possible.
// Sentences longer than size are cut at the last space that fits,
// or at a rune boundary if there is none.
func Chunk(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, sentence := range sentences(text) {
		if cur.Len()+len(sentence) <= size {
			cur.WriteString(sentence)
			continue
		}
		flush()
		for len(sentence) > size {
			cut := cutPoint(sentence, size)
			chunks = append(chunks, strings.TrimSpace(sentence[:cut]))
			sentence = strings.TrimLeftFunc(sentence[cut:], unicode.IsSpace)
		}
		cur.WriteString(sentence)
	}
	flush()
	return chunks
}

// sentences splits text after a newline, or after '.', '!', '?' followed by whitespace.
// Separating whitespace stays attached to the preceding sentence.
func sentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?', '\n':
		default:
			continue
		}
		j := i + 1
		if text[i] != '\n' && j < len(text) && text[j] != ' ' && text[j] != '\n' && text[j] != '\t' {
			continue
		}
		for j < len(text) && (text[j] == ' ' || text[j] == '\n' || text[j] == '\t') {
			j++
		}
		out = append(out, text[start:j])
		start = j
		i = j - 1
	}
	if start < len(text) {
		out = append(out, text[start:])
	}
	return out
}

func cutPoint(s string, size int) int {
	cut := size
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if space := strings.LastIndexByte(s[:cut], ' '); space > 0 {
		return space
	}
	if cut == 0 {
		_, n := utf8.DecodeRuneInString(s)
		return n
	}
	return cut
}
