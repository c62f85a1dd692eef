package content

import (
	"context"

	"golang.org/x/sync/errgroup"

	"orgbot/internal/domain"
)

// ScrapeResult is the outcome for one URL: Text on success, Error otherwise.
type ScrapeResult struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

func (r ScrapeResult) OK() bool { return r.Error == "" }

// Scrape fetches every URL with at most concurrency requests in flight. A
// failing URL never affects the others. Duplicate URLs are fetched once.
func Scrape(ctx context.Context, p domain.ContentProvider, urls []string, concurrency int) map[string]ScrapeResult {
	if concurrency <= 0 {
		concurrency = 4
	}
	unique := make([]string, 0, len(urls))
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}

	results := make([]ScrapeResult, len(unique))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, u := range unique {
		g.Go(func() error {
			text, err := p.Fetch(ctx, u)
			if err != nil {
				results[i] = ScrapeResult{Error: err.Error()}
			} else {
				results[i] = ScrapeResult{Text: text}
			}
			return nil
		})
	}
	g.Wait()

	out := make(map[string]ScrapeResult, len(unique))
	for i, u := range unique {
		out[u] = results[i]
	}
	return out
}
