// Package corpus provides the sources a content index is built from.
package corpus

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"orgbot/internal/domain"
)

// PageCorpus lists a fixed set of page locators fetched through a
// ContentProvider. Any failed page fails the whole listing so a refresh
// never replaces a good index with a partial one.
type PageCorpus struct {
	locators    []string
	provider    domain.ContentProvider
	concurrency int
}

func NewPageCorpus(provider domain.ContentProvider, locators []string, concurrency int) *PageCorpus {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &PageCorpus{
		locators:    append([]string(nil), locators...),
		provider:    provider,
		concurrency: concurrency,
	}
}

// Locators returns the configured page locators.
func (p *PageCorpus) Locators() []string { return append([]string(nil), p.locators...) }

func (p *PageCorpus) ListDocuments(ctx context.Context) ([]domain.SourceDocument, error) {
	docs := make([]domain.SourceDocument, len(p.locators))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, loc := range p.locators {
		g.Go(func() error {
			text, err := p.provider.Fetch(gctx, loc)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", loc, err)
			}
			docs[i] = domain.SourceDocument{Locator: loc, Text: text}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}
