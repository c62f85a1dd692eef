package corpus

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"orgbot/internal/content"
	"orgbot/internal/domain"
)

// DirCorpus lists the .txt, .md and .html files of a directory. HTML files
// are reduced to their visible text. The locator is the file name.
type DirCorpus struct {
	dir    string
	logger *slog.Logger
}

func NewDirCorpus(dir string, logger *slog.Logger) *DirCorpus {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirCorpus{dir: dir, logger: logger}
}

func (d *DirCorpus) ListDocuments(ctx context.Context) ([]domain.SourceDocument, error) {
	if _, err := os.Stat(d.dir); os.IsNotExist(err) {
		d.logger.Debug("corpus directory does not exist, skipping", "dir", d.dir)
		return nil, nil
	}
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}

	var docs []domain.SourceDocument
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".txt" && ext != ".md" && ext != ".html" && ext != ".htm" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(d.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		text := strings.TrimSpace(string(data))
		if ext == ".html" || ext == ".htm" {
			if text, err = content.ExtractText(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("extract %s: %w", name, err)
			}
		}
		if text == "" {
			d.logger.Warn("skipping empty corpus file", "file", name)
			continue
		}
		docs = append(docs, domain.SourceDocument{Locator: name, Text: text})
	}
	return docs, nil
}
