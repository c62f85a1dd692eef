// Package keyword answers questions from a table of canned trigger phrases.
package keyword

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry maps a trigger phrase to its canned answer.
type Entry struct {
	Trigger string `json:"trigger" yaml:"trigger"`
	Answer  string `json:"answer" yaml:"answer"`
}

// Table is an ordered list of entries. Earlier entries win.
type Table struct {
	entries []entry
}

type entry struct {
	Entry
	lower string // pre-computed lowercase trigger
}

// NewTable builds a table preserving the order of entries. Blank triggers are
// dropped; a repeated trigger (case-insensitive) replaces the earlier answer
// in place.
func NewTable(entries []Entry) *Table {
	t := &Table{}
	for _, e := range entries {
		t.set(e)
	}
	return t
}

func (t *Table) set(e Entry) {
	lower := strings.ToLower(strings.TrimSpace(e.Trigger))
	if lower == "" {
		return
	}
	for i := range t.entries {
		if t.entries[i].lower == lower {
			t.entries[i].Answer = e.Answer
			return
		}
	}
	t.entries = append(t.entries, entry{Entry: e, lower: lower})
}

// Lookup returns the answer of the first entry whose trigger occurs in text,
// ignoring case.
func (t *Table) Lookup(text string) (Entry, bool) {
	if t == nil {
		return Entry{}, false
	}
	lower := strings.ToLower(text)
	for _, e := range t.entries {
		if strings.Contains(lower, e.lower) {
			return e.Entry, true
		}
	}
	return Entry{}, false
}

// Entries returns a copy of the entries in table order.
func (t *Table) Entries() []Entry {
	if t == nil {
		return nil
	}
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Entry
	}
	return out
}

func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// merged returns a new table holding t's entries overwritten or extended by
// other's. Neither input is modified.
func (t *Table) merged(other *Table) *Table {
	out := &Table{entries: make([]entry, 0, t.Len()+other.Len())}
	if t != nil {
		out.entries = append(out.entries, t.entries...)
	}
	for _, e := range other.Entries() {
		out.set(e)
	}
	return out
}

// LoadFile reads a YAML keyword file. Both forms keep file order:
//
//	- trigger: hours
//	  answer: We are open 9 to 5.
//
// or
//
//	hours: We are open 9 to 5.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyword file: %w", err)
	}
	return Parse(data)
}

// Parse decodes keyword YAML, see LoadFile.
func Parse(data []byte) (*Table, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse keyword yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return NewTable(nil), nil
	}
	root := doc.Content[0]

	switch root.Kind {
	case yaml.SequenceNode:
		var entries []Entry
		if err := root.Decode(&entries); err != nil {
			return nil, fmt.Errorf("decode keyword list: %w", err)
		}
		return NewTable(entries), nil
	case yaml.MappingNode:
		entries := make([]Entry, 0, len(root.Content)/2)
		for i := 0; i+1 < len(root.Content); i += 2 {
			k, v := root.Content[i], root.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("keyword %q: answer must be a string (line %d)", k.Value, v.Line)
			}
			entries = append(entries, Entry{Trigger: k.Value, Answer: v.Value})
		}
		return NewTable(entries), nil
	default:
		return nil, fmt.Errorf("keyword yaml must be a list or a mapping")
	}
}
