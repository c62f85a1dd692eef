package content

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
)

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// BrowserFetcher renders pages in headless Chrome before reading their text.
// Use it for sites that build their content with JavaScript.
type BrowserFetcher struct {
	profileDir string
	headless   bool
	timeout    time.Duration
	logger     *slog.Logger
}

type BrowserConfig struct {
	ProfileDir string // Chrome user data directory
	Headless   bool
	Timeout    time.Duration // per page (default 30s)
	Logger     *slog.Logger
}

func NewBrowserFetcher(cfg BrowserConfig) *BrowserFetcher {
	if cfg.ProfileDir == "" {
		home, _ := os.UserHomeDir()
		cfg.ProfileDir = filepath.Join(home, ".orgbot", "chrome-profile")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &BrowserFetcher{
		profileDir: cfg.ProfileDir,
		headless:   cfg.Headless,
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}
}

// allocatorOptions is split out so the flags can be checked without Chrome.
func (b *BrowserFetcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.UserAgent(browserUserAgent),
	)
	if b.headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	return opts
}

// Fetch implements domain.ContentProvider.
func (b *BrowserFetcher) Fetch(ctx context.Context, locator string) (string, error) {
	if err := checkURL(locator); err != nil {
		return "", err
	}
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, b.allocatorOptions()...)
	defer allocCancel()
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, b.timeout)
	defer cancel()

	start := time.Now()
	var text string
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(locator),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(`document.body ? document.body.innerText : ""`, &text),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", locator, err)
	}
	b.logger.Debug("page rendered", "url", locator, "chars", len(text), "took", time.Since(start))
	return strings.Join(strings.Fields(text), " "), nil
}
