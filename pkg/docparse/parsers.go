package docparse

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Parser extracts plain text from a document.
type Parser func(r io.Reader) (string, error)

// Registry maps media types to parsers.
type Registry map[string]Parser

// DefaultRegistry returns parsers for all supported document types.
func DefaultRegistry() Registry {
	return Registry{
		"text/plain":            ParsePlain,
		"text/markdown":         ParsePlain,
		"text/x-markdown":       ParsePlain,
		"text/csv":              ParseCSV,
		"application/json":      ParseJSON,
		"text/html":             ParseHTML,
		"application/xhtml+xml": ParseHTML,
	}
}

// Lookup returns the parser of a MIME type, ignoring parameters like charset.
func (r Registry) Lookup(mimeType string) (Parser, bool) {
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(mimeType))
	}
	p, ok := r[mediaType]
	return p, ok
}

// ParsePlain reads text as is, replacing invalid UTF-8.
func ParsePlain(r io.Reader) (string, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	buf = bytes.TrimPrefix(buf, []byte("\xef\xbb\xbf"))
	if utf8.Valid(buf) {
		return string(buf), nil
	}
	return strings.ToValidUTF8(string(buf), "�"), nil
}

// ParseCSV renders one line per record with cells separated by ", ".
func ParseCSV(r io.Reader) (string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	var sb strings.Builder
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		} else if err != nil {
			return "", fmt.Errorf("invalid CSV: %w", err)
		}
		cells := record[:0]
		for _, cell := range record {
			if cell = strings.TrimSpace(cell); cell != "" {
				cells = append(cells, cell)
			}
		}
		if len(cells) == 0 {
			continue
		}
		sb.WriteString(strings.Join(cells, ", "))
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// ParseJSON renders every scalar of a document as "path: value", one per line.
// Object keys are visited in sorted order.
func ParseJSON(r io.Reader) (string, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	var lines []string
	walkJSON("", doc, &lines)
	return strings.Join(lines, "\n"), nil
}

func walkJSON(path string, v interface{}, lines *[]string) {
	emit := func(s string) {
		if path == "" {
			*lines = append(*lines, s)
		} else {
			*lines = append(*lines, path+": "+s)
		}
	}
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sub := k
			if path != "" {
				sub = path + "." + k
			}
			walkJSON(sub, val[k], lines)
		}
	case []interface{}:
		for _, item := range val {
			walkJSON(path, item, lines)
		}
	case string:
		if s := strings.TrimSpace(val); s != "" {
			emit(s)
		}
	case json.Number:
		emit(val.String())
	case bool:
		emit(fmt.Sprint(val))
	}
}

// ParseHTML extracts visible text, one line per block element.
func ParseHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var lines []string
	var line strings.Builder
	skip := 0
	breakLine := func() {
		if s := strings.Join(strings.Fields(line.String()), " "); s != "" {
			lines = append(lines, s)
		}
		line.Reset()
	}
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", fmt.Errorf("invalid HTML: %w", err)
			}
			breakLine()
			return strings.Join(lines, "\n"), nil
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			switch a {
			case atom.Script, atom.Style, atom.Noscript, atom.Template, atom.Head:
				if tt == html.StartTagToken {
					skip++
				} else if tt == html.EndTagToken && skip > 0 {
					skip--
				}
			}
			if blockElements[a] {
				breakLine()
			}
		case html.TextToken:
			if skip == 0 {
				line.Write(z.Text())
				line.WriteByte(' ')
			}
		}
	}
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true,
	atom.Blockquote: true, atom.Pre: true, atom.Table: true, atom.Ul: true, atom.Ol: true,
}

// Truncate cuts text to at most max runes.
func Truncate(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i], true
		}
		n++
	}
	return text, false
}
