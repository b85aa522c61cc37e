package embedding

import (
	"fmt"
	"io/ioutil"
	"regexp"

	"github.com/pelletier/go-toml"
)

// Table describes which columns of a source table get embedded.
type Table struct {
	PrimaryKey string   `toml:"primary_key"`
	Fields     []string `toml:"fields"`
}

// Fields is the allow-list of embeddable tables.
type Fields map[string]Table

type fieldsFile struct {
	Tables map[string]Table `toml:"tables"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ParseFields reads an allow-list.
//
//   [tables.articles]
//   primary_key = "id"
//   fields = ["title", "body"]
func ParseFields(data []byte) (Fields, error) {
	var file fieldsFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("invalid fields file: %w", err)
	}
	fields := make(Fields, len(file.Tables))
	for name, table := range file.Tables {
		if table.PrimaryKey == "" {
			table.PrimaryKey = "id"
		}
		if len(table.Fields) == 0 {
			return nil, fmt.Errorf("table %s: no fields", name)
		}
		for _, ident := range append([]string{name, table.PrimaryKey}, table.Fields...) {
			if !identRe.MatchString(ident) {
				return nil, fmt.Errorf("table %s: invalid identifier %q", name, ident)
			}
		}
		fields[name] = table
	}
	return fields, nil
}

// LoadFields reads an allow-list file.
func LoadFields(path string) (Fields, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFields(data)
}

// With returns a copy of the allow-list with another table added.
func (f Fields) With(name string, table Table) Fields {
	out := make(Fields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[name] = table
	return out
}
