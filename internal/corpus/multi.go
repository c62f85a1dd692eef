package corpus

import (
	"context"
	"log/slog"

	"orgbot/internal/domain"
)

// Multi concatenates several providers in order. A locator listed by more
// than one provider keeps its first occurrence. Any provider error fails the
// listing.
type Multi struct {
	providers []domain.CorpusProvider
	logger    *slog.Logger
}

func NewMulti(logger *slog.Logger, providers ...domain.CorpusProvider) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{providers: providers, logger: logger}
}

func (m *Multi) ListDocuments(ctx context.Context) ([]domain.SourceDocument, error) {
	var out []domain.SourceDocument
	seen := make(map[string]bool)
	for _, p := range m.providers {
		docs, err := p.ListDocuments(ctx)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			if d.Locator != "" && seen[d.Locator] {
				m.logger.Warn("duplicate corpus locator, keeping first", "locator", d.Locator)
				continue
			}
			seen[d.Locator] = true
			out = append(out, d)
		}
	}
	return out, nil
}
