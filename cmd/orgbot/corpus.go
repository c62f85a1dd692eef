package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"orgbot/internal/config"
	"orgbot/internal/corpus"
	"orgbot/internal/store"
)

func corpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Manage documents stored in the database corpus",
		Long: `Documents added here are indexed alongside the configured pages when
corpus.useDatabase is set. Run 'orgbot refresh' (or the admin refresh
endpoint) to pick up changes.`,
	}
	cmd.AddCommand(corpusAddCmd(), corpusRmCmd(), corpusLsCmd())
	return cmd
}

// withDocuments opens the database corpus without building the rest of the app.
func withDocuments(fn func(ctx context.Context, docs *corpus.SQLiteCorpus, cfg *config.Config) error) error {
	cfg, closeLog, err := loadConfig(true)
	if err != nil {
		return err
	}
	defer closeLog()

	db, err := store.Open(cfg.Memory.DBPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(context.Background(), corpus.NewSQLiteCorpus(db), cfg)
}

func corpusAddCmd() *cobra.Command {
	var (
		text  string
		fetch bool
	)
	cmd := &cobra.Command{
		Use:   "add <locator> [file|-]",
		Short: "Add or replace a document",
		Long: `The body comes from --text, a file, standard input ("-"), or with
--fetch from the page at <locator>.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocuments(func(ctx context.Context, docs *corpus.SQLiteCorpus, cfg *config.Config) error {
				locator := args[0]
				body, err := documentBody(ctx, cfg, locator, args[1:], text, fetch)
				if err != nil {
					return err
				}
				if err := docs.Upsert(ctx, locator, body); err != nil {
					return err
				}
				logger.Info("document stored", "locator", locator, "chars", utf8.RuneCountInString(body))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "document body")
	cmd.Flags().BoolVar(&fetch, "fetch", false, "fetch the locator and store its extracted text")
	return cmd
}

func documentBody(ctx context.Context, cfg *config.Config, locator string, rest []string, text string, fetch bool) (string, error) {
	switch {
	case text != "":
		return text, nil
	case fetch:
		return newFetcher(cfg.Corpus, cfg.Cache, logger).Fetch(ctx, locator)
	case len(rest) == 1 && rest[0] != "-":
		data, err := os.ReadFile(rest[0])
		if err != nil {
			return "", fmt.Errorf("read document: %w", err)
		}
		return string(data), nil
	case len(rest) == 1:
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	return "", fmt.Errorf("no document body: pass --text, --fetch, a file or -")
}

func corpusRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <locator>",
		Short: "Remove a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocuments(func(ctx context.Context, docs *corpus.SQLiteCorpus, _ *config.Config) error {
				if err := docs.Delete(ctx, args[0]); err != nil {
					return err
				}
				logger.Info("document removed", "locator", args[0])
				return nil
			})
		},
	}
}

func corpusLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List stored documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDocuments(func(ctx context.Context, docs *corpus.SQLiteCorpus, _ *config.Config) error {
				stored, err := docs.List(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "LOCATOR\tCHARS\tUPDATED\tPREVIEW")
				for _, d := range stored {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", d.Locator, utf8.RuneCountInString(d.Text),
						d.UpdatedAt.Local().Format("2006-01-02 15:04"), preview(d.Text, 40))
				}
				return w.Flush()
			})
		},
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
