package retrieval

import (
	"fmt"
	"sync"
	"sync/atomic"

	"orgbot/internal/domain"
)

// Document is one ingested, immutable unit of retrievable text.
type Document struct {
	ID   string
	Text string

	once   sync.Once
	tokens TokenSet
}

func NewDocument(id, text string) *Document {
	return &Document{ID: id, Text: text}
}

// Tokens returns the document's token set, computing it on first use.
func (d *Document) Tokens() TokenSet {
	d.once.Do(func() {
		d.tokens = Tokenize(d.Text)
	})
	return d.tokens
}

// Index is an immutable inverted index from token to documents.
// It is never patched in place; a corpus change builds a new Index.
type Index struct {
	docs    []*Document
	buckets map[string][]*Document
}

// BuildIndex tokenizes every document once and files it under each of its
// distinct tokens. Bucket order follows document order.
func BuildIndex(docs []*Document) (*Index, error) {
	ix := &Index{
		docs:    make([]*Document, 0, len(docs)),
		buckets: make(map[string][]*Document),
	}
	ids := make(map[string]struct{}, len(docs))
	for i, d := range docs {
		if d == nil {
			return nil, fmt.Errorf("%w: nil document at position %d", domain.ErrInternalIndex, i)
		}
		if _, dup := ids[d.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate document id %q", domain.ErrInternalIndex, d.ID)
		}
		ids[d.ID] = struct{}{}
		ix.docs = append(ix.docs, d)

		for tok := range d.Tokens() {
			ix.buckets[tok] = append(ix.buckets[tok], d)
		}
	}
	return ix, nil
}

// Lookup returns the documents containing tok. The result must not be modified.
func (ix *Index) Lookup(tok string) []*Document {
	if ix == nil {
		return nil
	}
	return ix.buckets[tok]
}

// Documents returns the indexed documents in ingestion order.
func (ix *Index) Documents() []*Document {
	if ix == nil {
		return nil
	}
	return ix.docs
}

func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.docs)
}

// Tokens returns the number of distinct tokens in the index.
func (ix *Index) Tokens() int {
	if ix == nil {
		return 0
	}
	return len(ix.buckets)
}

// Holder publishes the index currently in use. Readers call Load and keep
// using the returned index for the whole request; writers build a complete
// index first and then Store it.
type Holder struct {
	current atomic.Pointer[Index]
}

// Load returns the current index, or nil if none has been stored.
func (h *Holder) Load() *Index {
	return h.current.Load()
}

// Store publishes ix and returns the index it replaced.
func (h *Holder) Store(ix *Index) *Index {
	return h.current.Swap(ix)
}
