package retrieval

import (
	"math"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	DefaultThreshold  = 60
	DefaultMaxPassage = 300

	truncationMarker = "..."
)

// MatchResult is the outcome of scoring one query against a candidate set.
// Document and Passage are set only when Accepted.
type MatchResult struct {
	Document *Document
	Passage  string
	Score    int
	Accepted bool
}

// MatcherConfig configures a Matcher. Zero values select the defaults.
type MatcherConfig struct {
	Threshold  int // acceptance requires score > Threshold (default 60)
	MaxPassage int // passage length bound in runes (default 300)
}

// Matcher scores queries against indexed documents with PartialRatio.
type Matcher struct {
	threshold  int
	maxPassage int
}

func NewMatcher(cfg MatcherConfig) *Matcher {
	if cfg.Threshold <= 0 || cfg.Threshold > 100 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MaxPassage <= 0 {
		cfg.MaxPassage = DefaultMaxPassage
	}
	return &Matcher{threshold: cfg.Threshold, maxPassage: cfg.MaxPassage}
}

func (m *Matcher) Threshold() int { return m.threshold }

// Match unions the index buckets of every query token and returns the best
// scoring candidate. Ties keep the first candidate seen, where candidates are
// visited in query-token order and, within a bucket, in ingestion order.
func (m *Matcher) Match(query string, ix *Index) MatchResult {
	var (
		res  MatchResult
		best *Document
		seen = make(map[*Document]struct{})
	)
	res.Score = -1
	for _, tok := range tokenList(query) {
		for _, d := range ix.Lookup(tok) {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			if s := PartialRatio(query, d.Text); s > res.Score {
				res.Score = s
				best = d
			}
		}
	}
	if best == nil {
		return MatchResult{}
	}
	if res.Score > m.threshold || res.Score == 100 {
		res.Accepted = true
		res.Document = best
		res.Passage = Truncate(best.Text, m.maxPassage)
	}
	return res
}

// PartialRatio returns a 0-100 similarity between the shorter string and the
// best aligned window of the longer one, ignoring case. Each matching block
// found by the sequence matcher anchors a window the length of the shorter
// string; the best window ratio wins.
func PartialRatio(a, b string) int {
	shorter := splitRunes(strings.ToLower(a))
	longer := splitRunes(strings.ToLower(b))
	if len(shorter) == 0 || len(longer) == 0 {
		return 0
	}
	if len(shorter) > len(longer) {
		shorter, longer = longer, shorter
	}

	m := difflib.NewMatcherWithJunk(shorter, longer, false, nil)
	best := 0.0
	for _, blk := range m.GetMatchingBlocks() {
		start := blk.B - blk.A
		if start < 0 {
			start = 0
		}
		end := start + len(shorter)
		if end > len(longer) {
			end = len(longer)
		}
		r := difflib.NewMatcherWithJunk(shorter, longer[start:end], false, nil).Ratio()
		if r > 0.995 {
			return 100
		}
		if r > best {
			best = r
		}
	}
	return int(math.Round(best * 100))
}

// Truncate bounds text to max runes, marking the cut with "...".
func Truncate(text string, max int) string {
	r := []rune(text)
	if max <= 0 || len(r) <= max {
		return text
	}
	return string(r[:max]) + truncationMarker
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
