package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveAnswer("keyword")
	m.ObserveError("internal")
	m.ObserveCompletion("openai", time.Second, nil)
	m.ObserveCache("hit")
	m.ObserveRefresh(nil, 3)
	m.SetKeywordEntries(2)
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveAnswer("retrieval")
	m.ObserveAnswer("retrieval")
	m.ObserveCache("miss")
	m.ObserveRefresh(nil, 7)
	m.ObserveRefresh(errors.New("boom"), 0)

	if got := testutil.ToFloat64(m.AnswersTotal.WithLabelValues("retrieval")); got != 2 {
		t.Fatalf("answers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheRequestsTotal.WithLabelValues("miss")); got != 1 {
		t.Fatalf("cache misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.IndexDocuments); got != 7 {
		t.Fatalf("index documents = %v, want 7 (failed refresh must not reset)", got)
	}
	if got := testutil.ToFloat64(m.CorpusRefreshTotal.WithLabelValues("error")); got != 1 {
		t.Fatalf("refresh errors = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveAnswer("keyword")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `orgbot_answers_total{source="keyword"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}
