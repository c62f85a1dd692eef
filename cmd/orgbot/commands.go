package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"orgbot/internal/channel"
	"orgbot/internal/config"
	"orgbot/internal/content"
	"orgbot/internal/server"
)

// runWithApp loads config, builds the app and runs fn under a context that
// is cancelled on SIGINT/SIGTERM.
func runWithApp(allowDefaults bool, fn func(ctx context.Context, a *app) error) error {
	cfg, closeLog, err := loadConfig(allowDefaults)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, resolveConfigPath(), logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and enabled chat channels",
		Long:  "Starts the HTTP server and, when enabled, the Telegram bot. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(false, runServe)
		},
	}
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	if !cfg.Server.Enabled && !cfg.Telegram.Enabled {
		return fmt.Errorf("nothing to serve: enable server or telegram in %s", a.cfgPath)
	}

	g, ctx := errgroup.WithContext(ctx)

	// Refresh in the background so the server is up while pages load.
	g.Go(func() error {
		a.warmUp(ctx)
		if cfg.Corpus.BuildIndex && cfg.Corpus.RefreshIntervalMinutes > 0 {
			a.refreshLoop(ctx, time.Duration(cfg.Corpus.RefreshIntervalMinutes)*time.Minute)
		}
		return nil
	})

	if cfg.Server.Enabled {
		metricsPath := ""
		if cfg.Metrics.Enabled {
			metricsPath = cfg.Metrics.Endpoint
		}
		srv := server.New(server.Config{
			Engine:         a.engine,
			Fetcher:        a.fetcher,
			Metrics:        a.metrics,
			Logger:         a.logger,
			Addr:           cfg.Server.Addr(),
			AdminToken:     cfg.Server.AdminToken,
			MetricsPath:    metricsPath,
			RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
			CookieSecure:   cfg.Server.CookieSecure,
			Version:        version,
			AppConfig:      cfg,
			ConfigPath:     a.cfgPath,
		})
		g.Go(func() error { return srv.Start(ctx) })
	} else {
		a.logger.Info("http server disabled")
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			ParseMode: cfg.Telegram.ParseMode,
			Engine:    a.engine,
			Logger:    a.logger,
		})
		g.Go(func() error { return tg.Start(ctx) })
		a.logger.Info("telegram channel enabled")
	} else {
		a.logger.Info("telegram channel disabled")
	}

	a.logger.Info("orgbot started. Press Ctrl+C to stop.", "version", version, "provider", a.engine.ProviderName())
	err := g.Wait()
	a.logger.Info("orgbot stopped")
	return err
}

func chatCmd() *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(true, func(ctx context.Context, a *app) error {
				a.warmUp(ctx)
				cli := channel.NewCLI(channel.CLIConfig{
					Engine:    a.engine,
					SessionID: session,
					Logger:    a.logger,
					Spinner:   term.IsTerminal(int(os.Stdout.Fd())),
				})
				return cli.Start(ctx)
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "cli", "session id for conversation memory")
	return cmd
}

func askCmd() *cobra.Command {
	var (
		session string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(true, func(ctx context.Context, a *app) error {
				a.warmUp(ctx)
				ans, err := a.engine.Answer(ctx, session, strings.Join(args, " "))
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(ans)
				}
				fmt.Println(ans.Text)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "cli", "session id for conversation memory")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the answer with its source and score as JSON")
	return cmd
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Rebuild the content index and report its size",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(false, func(ctx context.Context, a *app) error {
				n, err := a.engine.RefreshCorpus(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("indexed %d documents\n", n)
				return nil
			})
		},
	}
}

func scrapeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scrape <url>...",
		Short: "Fetch pages and print their extracted text as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(true, func(ctx context.Context, a *app) error {
				return printJSON(content.Scrape(ctx, a.fetcher, args, pageConcurrency))
			})
		},
	}
}

func keywordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keywords",
		Short: "Inspect the keyword table",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List keyword triggers in match order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := loadConfig(true)
			if err != nil {
				return err
			}
			defer closeLog()
			m, err := loadKeywords(cfg.Keywords)
			if err != nil {
				return err
			}
			for _, e := range m.Table().Entries() {
				fmt.Printf("%-24s %s\n", e.Trigger, e.Answer)
			}
			return nil
		},
	})
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and show configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. retrieval.threshold)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			return printJSON(val)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. retrieval.threshold 70)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "show",
		Aliases: []string{"list"},
		Short:   "Show the whole config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return printJSON(config.Sanitize(cfg))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "paths",
		Short: "List every settable config path with its current value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			flat := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(flat))
			for k := range flat {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, flat[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
