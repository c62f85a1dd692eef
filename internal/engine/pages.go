package engine

import (
	"strings"
	"sync"

	"orgbot/internal/corpus"
	"orgbot/internal/domain"
	"orgbot/internal/retrieval"
)

// defaultPageChunkWords bounds the passage each page score is computed over
// when no chunk size is configured.
const defaultPageChunkWords = 200

type loadedPage struct {
	locator string
	text    string
}

type pageEntry struct {
	text   string
	chunks []*retrieval.Document
}

// pageIndex keeps the chunks of every loaded page and an index over them.
// A page is chunked and tokenized again only when its cached text changes,
// and the index is rebuilt only when the set of loaded pages changes.
type pageIndex struct {
	size    int
	overlap int

	mu      sync.Mutex
	entries map[string]*pageEntry
	built   []*pageEntry
	ix      *retrieval.Index
}

func newPageIndex(size, overlap int) *pageIndex {
	if size <= 0 {
		size, overlap = defaultPageChunkWords, defaultPageChunkWords/10
	}
	return &pageIndex{size: size, overlap: overlap, entries: make(map[string]*pageEntry)}
}

// index returns an index over pages, given in configured order.
func (p *pageIndex) index(pages []loadedPage) (*retrieval.Index, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make([]*pageEntry, 0, len(pages))
	for _, pg := range pages {
		ent := p.entries[pg.locator]
		if ent == nil || ent.text != pg.text {
			ent = &pageEntry{text: pg.text, chunks: p.chunk(pg)}
			p.entries[pg.locator] = ent
		}
		current = append(current, ent)
	}
	if p.ix != nil && sameEntries(current, p.built) {
		return p.ix, nil
	}

	var docs []*retrieval.Document
	seen := make(map[string]struct{})
	for _, ent := range current {
		for _, d := range ent.chunks {
			if _, dup := seen[d.ID]; dup {
				continue
			}
			seen[d.ID] = struct{}{}
			docs = append(docs, d)
		}
	}
	ix, err := retrieval.BuildIndex(docs)
	if err != nil {
		return nil, err
	}
	p.ix, p.built = ix, current
	return ix, nil
}

func (p *pageIndex) chunk(pg loadedPage) []*retrieval.Document {
	src := corpus.Chunk([]domain.SourceDocument{{Locator: pg.locator, Text: pg.text}}, p.size, p.overlap)
	docs := make([]*retrieval.Document, 0, len(src))
	for _, d := range src {
		docs = append(docs, retrieval.NewDocument(d.Locator, d.Text))
	}
	return docs
}

func sameEntries(a, b []*pageEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func pageTexts(pages []loadedPage) []string {
	out := make([]string, 0, len(pages))
	for _, pg := range pages {
		if strings.TrimSpace(pg.text) != "" {
			out = append(out, pg.text)
		}
	}
	return out
}
