package embedding

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk("  \n ", 10))
	assert.Equal(t, []string{"Short."}, Chunk("Short.", 10))
	assert.Equal(t,
		[]string{"Aaaa. Bbbb.", "Cccc."},
		Chunk("Aaaa. Bbbb. Cccc.", 12))
	// Decimal points don't end sentences.
	assert.Equal(t,
		[]string{"Pi is 3.14 roughly.", "Next one."},
		Chunk("Pi is 3.14 roughly. Next one.", 20))
	// Paragraph breaks end sentences.
	assert.Equal(t,
		[]string{"heading", "body text"},
		Chunk("heading\nbody text", 10))
}

func TestChunk_LongSentence(t *testing.T) {
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, Chunk("abcdefghij", 4))
	assert.Equal(t, []string{"one two", "three"}, Chunk("one two three", 9))
	chunks := Chunk(strings.Repeat("é", 5), 3)
	assert.Len(t, chunks, 5)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
	}
}

func TestChunk_Default(t *testing.T) {
	sentence := strings.Repeat("x", 99) + ". "
	text := strings.Repeat(sentence, 50) // 5050 bytes
	chunks := Chunk(text, 0)
	assert.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), DefaultChunkSize)
		assert.True(t, strings.HasSuffix(c, "."))
	}
}
