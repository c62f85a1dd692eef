package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"orgbot/internal/config"
	"orgbot/internal/content"
	"orgbot/internal/domain"
	"orgbot/internal/engine"
	"orgbot/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type mockProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	delay time.Duration
}

func (m *mockProvider) Chat(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	m.mu.Lock()
	reply, err, delay := m.reply, m.err, m.delay
	m.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &domain.ChatResponse{Content: reply}, nil
}

func (m *mockProvider) Name() string                  { return "mock" }
func (m *mockProvider) Models() []string              { return nil }
func (m *mockProvider) Healthy(context.Context) error { return nil }

type staticCorpus []domain.SourceDocument

func (c staticCorpus) ListDocuments(context.Context) ([]domain.SourceDocument, error) {
	return c, nil
}

type testEnv struct {
	srv      *httptest.Server
	engine   *engine.Engine
	provider *mockProvider
	metrics  *metrics.Metrics
	cfg      *config.Config
	cfgPath  string
}

func newTestEnv(t *testing.T, mutate func(*engine.Config, *Config)) *testEnv {
	t.Helper()
	p := &mockProvider{reply: "model answer"}
	m := metrics.New()
	ecfg := engine.Config{
		Provider: p,
		Metrics:  m,
		Logger:   testLogger(),
		Corpus: staticCorpus{
			{Locator: "hours", Text: "The office is open from 9am to 5pm on weekdays."},
		},
	}
	appCfg := config.Defaults()
	appCfg.Providers["openai"] = config.ProviderConfig{Enabled: true, APIKey: "sk-abcdefghijklmnop"}
	scfg := Config{
		Metrics:     m,
		Logger:      testLogger(),
		MetricsPath: "/metrics",
		Version:     "test",
		AppConfig:   appCfg,
		ConfigPath:  filepath.Join(t.TempDir(), "config.json"),
		Fetcher: domain.ContentProviderFunc(func(_ context.Context, u string) (string, error) {
			if strings.Contains(u, "broken") {
				return "", errors.New("connection refused")
			}
			return "text of " + u, nil
		}),
	}
	if mutate != nil {
		mutate(&ecfg, &scfg)
	}
	e, err := engine.New(ecfg)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	scfg.Engine = e
	srv := httptest.NewServer(New(scfg).Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, engine: e, provider: p, metrics: m, cfg: appCfg, cfgPath: scfg.ConfigPath}
}

func (env *testEnv) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, env.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var out map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode %s: %v", raw, err)
		}
	}
	return resp, out
}

func sessionCookie(resp *http.Response) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	return nil
}

func TestChat_NewSessionGetsCookie(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, out := env.do(t, http.MethodPost, "/api/chat", `{"message":"hello"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, out)
	}
	id, _ := out["session_id"].(string)
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session_id %q is not a uuid", id)
	}
	c := sessionCookie(resp)
	if c == nil || c.Value != id || !c.HttpOnly {
		t.Fatalf("cookie = %+v, want %s", c, id)
	}
	if out["answer"] != "model answer" || out["source"] != "completion" {
		t.Fatalf("body = %v", out)
	}
	if _, ok := out["matched_source"]; ok {
		t.Fatal("matched_source should be omitted for completions")
	}
}

func TestChat_ExplicitSessionAndIndexMatch(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.engine.RefreshCorpus(context.Background()); err != nil {
		t.Fatalf("RefreshCorpus: %v", err)
	}

	resp, out := env.do(t, http.MethodPost, "/api/chat",
		`{"session_id":"abc","message":"open from 9am to 5pm"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["session_id"] != "abc" || out["source"] != "index" || out["matched_source"] != "hours" {
		t.Fatalf("body = %v", out)
	}
	if out["score"].(float64) != 100 {
		t.Fatalf("score = %v", out["score"])
	}

	turns, _ := env.engine.History(context.Background(), "abc")
	if len(turns) != 2 {
		t.Fatalf("history = %d turns, want 2", len(turns))
	}
}

func TestChat_CookieSessionIsReused(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _ = env.do(t, http.MethodPost, "/api/chat", `{"message":"one"}`, map[string]string{"Cookie": sessionCookieName + "=cookie-session"})
	turns, _ := env.engine.History(context.Background(), "cookie-session")
	if len(turns) != 2 {
		t.Fatalf("history = %d turns, want 2", len(turns))
	}
}

func TestChat_ErrorStatuses(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*engine.Config, *Config)
		body   string
		status int
		kind   string
	}{
		{"invalid json", nil, `{`, http.StatusBadRequest, "invalid_input"},
		{"empty message", nil, `{"message":"  "}`, http.StatusBadRequest, "invalid_input"},
		{
			"completion failure",
			func(e *engine.Config, _ *Config) { e.Provider = &mockProvider{err: errors.New("upstream 500")} },
			`{"message":"hello"}`, http.StatusServiceUnavailable, "completion_unavailable",
		},
		{
			"completion timeout",
			func(e *engine.Config, _ *Config) {
				e.Provider = &mockProvider{reply: "late", delay: time.Second}
				e.CompletionTimeout = 20 * time.Millisecond
			},
			`{"message":"hello"}`, http.StatusGatewayTimeout, "completion_unavailable",
		},
		{
			"pages unavailable",
			func(e *engine.Config, _ *Config) {
				e.Pages = []string{"https://broken.example/"}
				e.Fetcher = domain.ContentProviderFunc(func(context.Context, string) (string, error) {
					return "", errors.New("dns failure")
				})
			},
			`{"message":"hello"}`, http.StatusBadGateway, "content_unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.setup)
			resp, out := env.do(t, http.MethodPost, "/api/chat", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.status, out)
			}
			if out["kind"] != tt.kind {
				t.Fatalf("kind = %v, want %s", out["kind"], tt.kind)
			}
		})
	}
}

func TestFeedback(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, out := env.do(t, http.MethodPost, "/api/feedback",
		`{"session_id":"s1","response":"draft","feedback":"positive"}`, nil)
	if resp.StatusCode != http.StatusOK || out["answer"] != "draft" || out["source"] != "feedback" {
		t.Fatalf("positive: %d %v", resp.StatusCode, out)
	}

	env.provider.mu.Lock()
	env.provider.reply = "refined draft"
	env.provider.mu.Unlock()
	resp, out = env.do(t, http.MethodPost, "/api/feedback",
		`{"session_id":"s1","response":"draft","feedback":"negative"}`, nil)
	if resp.StatusCode != http.StatusOK || out["answer"] != "refined draft" || out["source"] != "refine" {
		t.Fatalf("negative: %d %v", resp.StatusCode, out)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/feedback",
		`{"session_id":"s1","response":"draft","feedback":"meh"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown verdict status = %d", resp.StatusCode)
	}
}

func TestClearAndHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _ = env.do(t, http.MethodPost, "/api/chat", `{"session_id":"s1","message":"hello"}`, nil)

	resp, out := env.do(t, http.MethodGet, "/api/history?session_id=s1", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history status = %d", resp.StatusCode)
	}
	if turns, _ := out["turns"].([]any); len(turns) != 2 {
		t.Fatalf("turns = %v", out["turns"])
	}

	resp, _ = env.do(t, http.MethodPost, "/api/clear", "", map[string]string{"Cookie": sessionCookieName + "=s1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}
	_, out = env.do(t, http.MethodGet, "/api/history?session_id=s1", "", nil)
	if turns, _ := out["turns"].([]any); len(turns) != 0 {
		t.Fatalf("turns after clear = %v", out["turns"])
	}

	resp, _ = env.do(t, http.MethodPost, "/api/clear", `{}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("clear without session status = %d", resp.StatusCode)
	}
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t, func(_ *engine.Config, s *Config) { s.AdminToken = "secret-token" })

	resp, _ := env.do(t, http.MethodPost, "/api/admin/corpus/refresh", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.do(t, http.MethodPost, "/api/admin/corpus/refresh", "", map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	resp, out := env.do(t, http.MethodPost, "/api/admin/corpus/refresh", "", map[string]string{"Authorization": "Bearer secret-token"})
	if resp.StatusCode != http.StatusOK || out["documents"].(float64) != 1 {
		t.Fatalf("refresh: %d %v", resp.StatusCode, out)
	}
	if env.engine.Index() == nil {
		t.Fatal("index not loaded after refresh")
	}
}

func TestAdmin_Keywords(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, out := env.do(t, http.MethodPut, "/api/admin/keywords",
		`[{"trigger":"hi","answer":"Hello!"},{"trigger":"address","answer":"123 Main St"}]`, nil)
	if resp.StatusCode != http.StatusOK || out["entries"].(float64) != 2 {
		t.Fatalf("replace: %d %v", resp.StatusCode, out)
	}
	_, out = env.do(t, http.MethodPost, "/api/chat", `{"session_id":"s1","message":"Hi, what's your address?"}`, nil)
	if out["answer"] != "Hello!" || out["source"] != "keyword" {
		t.Fatalf("chat = %v", out)
	}

	resp, out = env.do(t, http.MethodPatch, "/api/admin/keywords", `{"hi":"Hey there!","parking":"Behind the building."}`, nil)
	if resp.StatusCode != http.StatusOK || out["entries"].(float64) != 3 {
		t.Fatalf("merge: %d %v", resp.StatusCode, out)
	}
	_, out = env.do(t, http.MethodPost, "/api/chat", `{"session_id":"s1","message":"hi"}`, nil)
	if out["answer"] != "Hey there!" {
		t.Fatalf("chat after merge = %v", out)
	}

	_, out = env.do(t, http.MethodGet, "/api/admin/keywords", "", nil)
	entries, _ := out["entries"].([]any)
	if len(entries) != 3 {
		t.Fatalf("entries = %v", out["entries"])
	}
	if first := entries[0].(map[string]any); first["trigger"] != "hi" {
		t.Fatalf("first entry = %v", first)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/admin/keywords", `"just a string"`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad table status = %d", resp.StatusCode)
	}
}

func TestScrape(t *testing.T) {
	env := newTestEnv(t, func(_ *engine.Config, s *Config) { s.AdminToken = "secret-token" })

	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/scrape",
		strings.NewReader(`{"urls":["https://a.example/","https://broken.example/"]}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]content.ScrapeResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if got := out["https://a.example/"]; !got.OK() || got.Text != "text of https://a.example/" {
		t.Fatalf("a = %+v", got)
	}
	if got := out["https://broken.example/"]; got.OK() || !strings.Contains(got.Error, "connection refused") {
		t.Fatalf("broken = %+v", got)
	}
}

func TestScrape_RequiresAdminToken(t *testing.T) {
	body := `{"urls":["https://a.example/"]}`

	env := newTestEnv(t, func(_ *engine.Config, s *Config) { s.AdminToken = "secret-token" })
	resp, _ := env.do(t, http.MethodPost, "/scrape", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d", resp.StatusCode)
	}

	open := newTestEnv(t, nil)
	resp, _ = open.do(t, http.MethodPost, "/scrape", body, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("no admin token configured: status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)
	_, _ = env.do(t, http.MethodPost, "/api/chat", `{"session_id":"s1","message":"hello"}`, nil)

	resp, out := env.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || out["status"] != "ok" || out["provider"] != "mock" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, out)
	}

	resp, err := http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `orgbot_answers_total{source="completion"} 1`) {
		t.Fatalf("metrics missing answer counter:\n%s", body)
	}
}

func TestAdmin_Config(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, out := env.do(t, http.MethodGet, "/api/admin/config", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	providers := out["providers"].(map[string]any)
	if key := providers["openai"].(map[string]any)["apiKey"]; key != "sk-a****mnop" {
		t.Fatalf("apiKey = %v, want masked", key)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/admin/config", `{"path":"retrieval.threshold","value":75}`, nil)
	if resp.StatusCode != http.StatusOK || env.cfg.Retrieval.Threshold != 75 {
		t.Fatalf("update: %d threshold=%d", resp.StatusCode, env.cfg.Retrieval.Threshold)
	}

	resp, _ = env.do(t, http.MethodPut, "/api/admin/config", `{"path":"retrieval.threshold","value":500}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid update status = %d", resp.StatusCode)
	}
	if env.cfg.Retrieval.Threshold != 75 {
		t.Fatalf("threshold = %d after rejected update, want 75", env.cfg.Retrieval.Threshold)
	}

	resp, _ = env.do(t, http.MethodPost, "/api/admin/config/save", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save status = %d", resp.StatusCode)
	}
	if _, err := os.Stat(env.cfgPath); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.Wrap(domain.ErrContentUnavailable, errors.New("x")), http.StatusBadGateway},
		{domain.Wrap(domain.ErrContentUnavailable, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{domain.Wrap(domain.ErrCompletionUnavailable, errors.New("x")), http.StatusServiceUnavailable},
		{domain.Wrap(domain.ErrCompletionUnavailable, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{domain.ErrInternalIndex, http.StatusInternalServerError},
		{errors.New("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
