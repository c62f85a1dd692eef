package engine

import (
	"context"
	"strings"
	"testing"
)

func TestAnswer_PageIndexReusedAcrossRequests(t *testing.T) {
	f := &mockFetcher{pages: map[string]string{
		"https://clinic.example/":        "Welcome. Our office hours are 9-5 on weekdays.",
		"https://clinic.example/parking": "Parking is available behind the building.",
	}}
	e := newEngine(t, Config{Provider: &mockProvider{reply: "x"}, Fetcher: f,
		Pages: []string{"https://clinic.example/", "https://clinic.example/parking"}})

	if _, err := e.Answer(context.Background(), "s1", "office hours"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	first := e.pageIx.ix
	doc := e.pageIx.entries["https://clinic.example/"].chunks[0]

	if _, err := e.Answer(context.Background(), "s2", "parking"); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if e.pageIx.ix != first {
		t.Fatal("page index rebuilt although no page changed")
	}
	if e.pageIx.entries["https://clinic.example/"].chunks[0] != doc {
		t.Fatal("page re-chunked although its text did not change")
	}
}

func TestAnswer_LongPageMatchedOnChunk(t *testing.T) {
	filler := strings.TrimSpace(strings.Repeat("lorem ", 300))
	page := filler + " office hours are nine to five " + filler
	f := &mockFetcher{pages: map[string]string{"https://org.example/": page}}
	p := &mockProvider{reply: "x"}
	e := newEngine(t, Config{Provider: p, Fetcher: f, Pages: []string{"https://org.example/"}})

	ans, err := e.Answer(context.Background(), "s1", "office hours")
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	// 200-word chunks stepping by 180 put word 300 in the second chunk.
	if ans.Source != SourcePage || ans.MatchedSource != "https://org.example/#1" || ans.Score != 100 {
		t.Fatalf("answer = %+v", ans)
	}
	if p.callCount() != 0 {
		t.Fatal("provider called on an accepted chunk match")
	}
}

func TestPageIndex_RechunksOnlyChangedPages(t *testing.T) {
	p := newPageIndex(0, 0)
	a := loadedPage{locator: "a", text: "Our office hours are 9-5."}
	b := loadedPage{locator: "b", text: "Parking is behind the building."}

	ix1, err := p.index([]loadedPage{a, b})
	if err != nil {
		t.Fatal(err)
	}
	aDoc, bDoc := p.entries["a"].chunks[0], p.entries["b"].chunks[0]

	b.text = "Parking moved to the north lot."
	ix2, err := p.index([]loadedPage{a, b})
	if err != nil {
		t.Fatal(err)
	}
	if ix2 == ix1 {
		t.Fatal("index not rebuilt after a page changed")
	}
	if p.entries["a"].chunks[0] != aDoc {
		t.Fatal("unchanged page was re-chunked")
	}
	if p.entries["b"].chunks[0] == bDoc || ix2.Len() != 2 {
		t.Fatalf("changed page not rebuilt, %d docs", ix2.Len())
	}

	// A page dropping out (fetch failure) changes the set too.
	ix3, err := p.index([]loadedPage{a})
	if err != nil {
		t.Fatal(err)
	}
	if ix3 == ix2 || ix3.Len() != 1 {
		t.Fatalf("index over one page has %d docs", ix3.Len())
	}
}

func TestPageIndex_SkipsDuplicateChunkIDs(t *testing.T) {
	p := newPageIndex(3, 0)
	ix, err := p.index([]loadedPage{
		{locator: "a", text: "one two three four five"},
		{locator: "a#0", text: "six seven"},
	})
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if ix.Len() != 2 {
		t.Fatalf("docs = %d, want a#0 and a#1 only", ix.Len())
	}
}
