package corpus

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"orgbot/internal/domain"
)

// DocumentID returns the index id for a source document: its locator, or a
// content hash when the source gave none.
func DocumentID(d domain.SourceDocument) string {
	if d.Locator != "" {
		return d.Locator
	}
	hash := sha256.Sum256([]byte(d.Text))
	return fmt.Sprintf("doc-%x", hash[:8])
}

// Chunk splits each document into overlapping windows of size words. Chunks
// of one document get locators "<id>#<n>". size <= 0 returns docs unchanged.
func Chunk(docs []domain.SourceDocument, size, overlap int) []domain.SourceDocument {
	if size <= 0 {
		return docs
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	step := size - overlap

	var out []domain.SourceDocument
	for _, d := range docs {
		words := strings.Fields(d.Text)
		if len(words) <= size {
			out = append(out, d)
			continue
		}
		id := DocumentID(d)
		for i, n := 0, 0; i < len(words); i, n = i+step, n+1 {
			end := min(i+size, len(words))
			out = append(out, domain.SourceDocument{
				Locator: fmt.Sprintf("%s#%d", id, n),
				Text:    strings.Join(words[i:end], " "),
			})
			if end == len(words) {
				break
			}
		}
	}
	return out
}
