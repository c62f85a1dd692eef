package domain

import "context"

// SourceDocument is one raw document as delivered by a corpus source.
type SourceDocument struct {
	Locator string `json:"locator"`
	Text    string `json:"text"`
}

// ContentProvider fetches the text behind a locator (usually a page URL).
type ContentProvider interface {
	Fetch(ctx context.Context, locator string) (string, error)
}

// CorpusProvider lists the documents that make up the searchable corpus.
type CorpusProvider interface {
	ListDocuments(ctx context.Context) ([]SourceDocument, error)
}

// ContentProviderFunc adapts a function to ContentProvider.
type ContentProviderFunc func(ctx context.Context, locator string) (string, error)

func (f ContentProviderFunc) Fetch(ctx context.Context, locator string) (string, error) {
	return f(ctx, locator)
}
