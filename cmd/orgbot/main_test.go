package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"orgbot/internal/config"
	"orgbot/internal/engine"
)

func init() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Memory.DBPath = filepath.Join(t.TempDir(), "orgbot.db")
	cfg.Providers["ollama"] = config.ProviderConfig{Enabled: true, APIBase: "http://127.0.0.1:1", DefaultModel: "test"}
	cfg.Server.Enabled = false
	return cfg
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLogger_JSONAndFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "orgbot.log")
	var buf bytes.Buffer
	l, closeLog, err := newLogger(config.GeneralConfig{LogLevel: "info", LogFormat: "json", LogFile: logFile}, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	l.Debug("hidden")
	l.Info("shown", "k", "v")
	closeLog()

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("expected one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "shown" || rec["k"] != "v" {
		t.Fatalf("record = %v", rec)
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"shown"`) {
		t.Fatalf("log file = %q", data)
	}
}

func TestLoadKeywords_ConfigOverridesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "keywords.yaml")
	yaml := "hours: From the file.\nparking: Behind the building.\n"
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := loadKeywords(config.KeywordsConfig{
		File: file,
		Entries: []config.KeywordEntry{
			{Trigger: "Hours", Answer: "From the config."},
			{Trigger: "email", Answer: "info@example.org"},
		},
	})
	if err != nil {
		t.Fatalf("loadKeywords: %v", err)
	}

	entries := m.Table().Entries()
	if len(entries) != 3 {
		t.Fatalf("entries = %+v", entries)
	}
	if got, _ := m.Match("what are your hours?"); got != "From the config." {
		t.Fatalf("hours answer = %q", got)
	}
	if entries[1].Trigger != "parking" || entries[2].Trigger != "email" {
		t.Fatalf("order = %+v", entries)
	}
}

func TestLoadKeywords_MissingFile(t *testing.T) {
	if _, err := loadKeywords(config.KeywordsConfig{File: filepath.Join(t.TempDir(), "none.yaml")}); err == nil {
		t.Fatal("expected an error for a missing keyword file")
	}
}

func TestNewApp_AnswersFromKeywordsAndDatabaseCorpus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Keywords.Entries = []config.KeywordEntry{{Trigger: "opening hours", Answer: "Nine to five."}}

	a, err := newApp(cfg, "", logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	ctx := context.Background()

	ans, err := a.engine.Answer(ctx, "s1", "What are your opening hours?")
	if err != nil || ans.Source != engine.SourceKeyword || ans.Text != "Nine to five." {
		t.Fatalf("keyword answer = %+v, %v", ans, err)
	}

	doc := "Volunteers meet every Saturday at the community garden"
	if err := a.documents.Upsert(ctx, "garden", doc); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	n, err := a.engine.RefreshCorpus(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RefreshCorpus = %d, %v", n, err)
	}
	ans, err = a.engine.Answer(ctx, "s1", doc)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if ans.Source != engine.SourceIndex || ans.MatchedSource != "garden" || ans.Score != 100 {
		t.Fatalf("index answer = %+v", ans)
	}
}

func TestNewApp_NoIndexWithoutBuildIndex(t *testing.T) {
	cfg := testConfig(t)
	cfg.Corpus.BuildIndex = false
	a, err := newApp(cfg, "", logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.Close()
	if a.corpusProvider() != nil {
		t.Fatal("corpus provider built with indexing off")
	}
	a.warmUp(context.Background())
	if a.engine.Index() != nil {
		t.Fatal("warmUp built an index with indexing off")
	}
}

func TestNewApp_RejectsUnknownMemoryBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.Backend = "etcd"
	if _, err := newApp(cfg, "", logger); err == nil {
		t.Fatal("expected an error for an unknown memory backend")
	}
}

func TestRunChecks(t *testing.T) {
	cfg := testConfig(t)
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	r := &report{out: &out}
	if runChecks(context.Background(), r, cfgPath) == nil {
		t.Fatalf("config not loaded:\n%s", out.String())
	}
	if r.failed != 0 {
		t.Fatalf("failed checks:\n%s", out.String())
	}
	// The provider points at a closed port.
	if !strings.Contains(out.String(), "[WARN] Provider: ollama") {
		t.Fatalf("expected a provider warning:\n%s", out.String())
	}
}

func TestRunChecks_MissingConfig(t *testing.T) {
	var out bytes.Buffer
	r := &report{out: &out}
	if runChecks(context.Background(), r, filepath.Join(t.TempDir(), "missing.json")) != nil {
		t.Fatal("expected no config")
	}
	if r.failed != 1 {
		t.Fatalf("failed = %d", r.failed)
	}
}

func TestPreview(t *testing.T) {
	if got := preview("  a\n b  ", 10); got != "a b" {
		t.Fatalf("preview = %q", got)
	}
	if got := preview("abcdefghij", 4); got != "abcd..." {
		t.Fatalf("preview = %q", got)
	}
}
