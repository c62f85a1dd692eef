package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"orgbot/internal/config"
	"orgbot/internal/keyword"
	"orgbot/internal/provider"
	"orgbot/internal/store"
)

const doctorTimeout = 10 * time.Second

// report counts check outcomes and prints them as they happen.
type report struct {
	out    io.Writer
	passed int
	warned int
	failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the orgbot installation",
		Long: `Verifies that the configuration, database, keyword table, providers and
server port are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "orgbot doctor v%s\n\n", version)

			r := &report{out: out}
			cfg := runChecks(cmd.Context(), r, cfgPath)
			if cfg == nil {
				fmt.Fprintf(out, "\nRun 'orgbot init' to create a default configuration.\n")
			}

			fmt.Fprintf(out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

// runChecks returns the loaded config, or nil when it could not be loaded.
func runChecks(ctx context.Context, r *report, cfgPath string) *config.Config {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(cfgPath); err != nil {
		r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
		return nil
	}
	r.pass("Config file", cfgPath)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		r.fail("Config validation", err.Error())
		return nil
	}
	r.pass("Config validation", "valid")

	if err := checkDatabase(ctx, cfg.Memory.DBPath); err != nil {
		r.fail("Database", err.Error())
	} else {
		r.pass("Database", cfg.Memory.DBPath)
	}

	if cfg.Keywords.File != "" {
		if t, err := keyword.LoadFile(cfg.Keywords.File); err != nil {
			r.fail("Keyword file", err.Error())
		} else {
			r.pass("Keyword file", fmt.Sprintf("%d entries", t.Len()))
		}
	}

	if len(cfg.Corpus.Pages) == 0 && cfg.Corpus.Dir == "" && !cfg.Corpus.UseDatabase {
		r.warn("Corpus", "no pages, directory or database documents configured")
	} else {
		r.pass("Corpus", fmt.Sprintf("%d pages", len(cfg.Corpus.Pages)))
	}
	if cfg.Corpus.Dir != "" {
		if info, err := os.Stat(cfg.Corpus.Dir); err != nil || !info.IsDir() {
			r.fail("Corpus directory", fmt.Sprintf("not a directory: %s", cfg.Corpus.Dir))
		}
	}

	hctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()
	health := provider.NewFactory(cfg, logger).HealthReport(hctx)
	if len(health) == 0 {
		r.warn("Providers", "no providers enabled, only keyword and content answers")
	}
	names := make([]string, 0, len(health))
	for name := range health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := health[name]; err != nil {
			r.warn("Provider: "+name, err.Error())
		} else {
			r.pass("Provider: "+name, "healthy")
		}
	}

	if cfg.Server.Enabled {
		if err := checkPort(cfg.Server.Addr()); err != nil {
			r.warn("Server port", fmt.Sprintf("%s may be in use: %v", cfg.Server.Addr(), err))
		} else {
			r.pass("Server port", cfg.Server.Addr()+" available")
		}
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		r.fail("Telegram", "enabled without a token")
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}
	return cfg
}

func checkDatabase(ctx context.Context, dbPath string) error {
	db, err := store.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
