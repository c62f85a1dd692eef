package keyword

import (
	"sync"
	"sync/atomic"
)

// Matcher serves lookups against a table that can be swapped at runtime.
// A lookup sees either the old or the new table, never a mix.
type Matcher struct {
	table atomic.Pointer[Table]
	mu    sync.Mutex // writers only
}

func NewMatcher(t *Table) *Matcher {
	if t == nil {
		t = NewTable(nil)
	}
	m := &Matcher{}
	m.table.Store(t)
	return m
}

// Match returns the canned answer for text.
func (m *Matcher) Match(text string) (string, bool) {
	e, ok := m.table.Load().Lookup(text)
	return e.Answer, ok
}

// Replace swaps in t wholesale.
func (m *Matcher) Replace(t *Table) {
	if t == nil {
		t = NewTable(nil)
	}
	m.mu.Lock()
	m.table.Store(t)
	m.mu.Unlock()
}

// Merge overwrites matching triggers and appends new ones. Existing entries
// not named in t are kept. Returns the table now in effect.
func (m *Matcher) Merge(t *Table) *Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.table.Load().merged(t)
	m.table.Store(next)
	return next
}

// Table returns the current table.
func (m *Matcher) Table() *Table { return m.table.Load() }
