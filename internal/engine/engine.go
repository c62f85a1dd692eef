package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"orgbot/internal/cache"
	"orgbot/internal/corpus"
	"orgbot/internal/domain"
	"orgbot/internal/keyword"
	"orgbot/internal/memory"
	"orgbot/internal/metrics"
	"orgbot/internal/retrieval"
)

const (
	defaultMaxContextChars   = 6000
	defaultCompletionTimeout = 60 * time.Second
	defaultMaxTokens         = 512
	defaultPageConcurrency   = 4
)

var (
	errNoProvider      = errors.New("no completion provider configured")
	errEmptyCompletion = errors.New("completion returned no text")
	errNoCorpus        = errors.New("no corpus provider configured")
)

// Source names the stage that produced an answer.
type Source string

const (
	SourceKeyword    Source = "keyword"
	SourceIndex      Source = "index"
	SourcePage       Source = "page"
	SourceCompletion Source = "completion"
	SourceRefine     Source = "refine"
	SourceFeedback   Source = "feedback"
)

type Answer struct {
	Text          string `json:"answer"`
	Source        Source `json:"source"`
	MatchedSource string `json:"matched_source,omitempty"`
	Score         int    `json:"score"`
}

// Engine answers user messages from canned keywords, the retrieval index or
// cached pages, falling back to a completion provider.
type Engine struct {
	keywords *keyword.Matcher
	matcher  *retrieval.Matcher
	index    *retrieval.Holder
	cache    *cache.ContentCache
	pages    []string
	pageIx   *pageIndex
	fetcher  domain.ContentProvider
	corpus   domain.CorpusProvider
	memory   domain.SessionStore
	provider domain.Provider
	metrics  *metrics.Metrics
	logger   *slog.Logger

	model             string
	systemPrompt      string
	maxContextChars   int
	completionTimeout time.Duration
	maxTokens         int
	temperature       float64
	recordRefinements bool
	chunkSize         int
	chunkOverlap      int

	refreshMu sync.Mutex
}

// Config holds the engine's collaborators and tuning. Only Provider is
// needed for completions; nil collaborators fall back to empty defaults.
type Config struct {
	Keywords *keyword.Matcher
	Matcher  *retrieval.Matcher
	Index    *retrieval.Holder
	Cache    *cache.ContentCache
	Pages    []string               // page locators used when no index is loaded
	Fetcher  domain.ContentProvider // loads Pages on a cache miss
	Corpus   domain.CorpusProvider  // feeds RefreshCorpus
	Memory   domain.SessionStore
	Provider domain.Provider
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	Model             string
	SystemPrompt      string
	MaxContextChars   int
	CompletionTimeout time.Duration
	MaxTokens         int
	Temperature       float64
	RecordRefinements bool
	ChunkSize         int
	ChunkOverlap      int
}

func New(cfg Config) (*Engine, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Keywords == nil {
		cfg.Keywords = keyword.NewMatcher(nil)
	}
	if cfg.Matcher == nil {
		cfg.Matcher = retrieval.NewMatcher(retrieval.MatcherConfig{})
	}
	if cfg.Index == nil {
		cfg.Index = &retrieval.Holder{}
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NewInMemory(memory.DefaultMaxTurns)
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = defaultMaxContextChars
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = defaultCompletionTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	pages := dedupe(cfg.Pages)
	if len(pages) > 0 {
		if cfg.Fetcher == nil {
			return nil, fmt.Errorf("engine: %d pages configured without a fetcher", len(pages))
		}
		if cfg.Cache == nil {
			c, err := cache.New(cache.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
			if err != nil {
				return nil, fmt.Errorf("engine: %w", err)
			}
			cfg.Cache = c
		}
	}

	return &Engine{
		keywords:          cfg.Keywords,
		matcher:           cfg.Matcher,
		index:             cfg.Index,
		cache:             cfg.Cache,
		pages:             pages,
		pageIx:            newPageIndex(cfg.ChunkSize, cfg.ChunkOverlap),
		fetcher:           cfg.Fetcher,
		corpus:            cfg.Corpus,
		memory:            cfg.Memory,
		provider:          cfg.Provider,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		model:             cfg.Model,
		systemPrompt:      cfg.SystemPrompt,
		maxContextChars:   cfg.MaxContextChars,
		completionTimeout: cfg.CompletionTimeout,
		maxTokens:         cfg.MaxTokens,
		temperature:       cfg.Temperature,
		recordRefinements: cfg.RecordRefinements,
		chunkSize:         cfg.ChunkSize,
		chunkOverlap:      cfg.ChunkOverlap,
	}, nil
}

type state int

const (
	stateKeyword state = iota
	stateRetrieval
	stateCompletion
	stateAnswered
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateKeyword:
		return "keyword"
	case stateRetrieval:
		return "retrieval"
	case stateCompletion:
		return "completion"
	case stateAnswered:
		return "answered"
	case stateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// request carries one Answer call through the state machine.
type request struct {
	sessionID string
	text      string
	context   []string // page text handed to the completion
	score     int      // best retrieval score seen
	answer    Answer
	err       error
}

// Answer runs text through keyword, retrieval and completion stages in that
// order and returns the first answer produced. A successful answer records
// the user and assistant turns for sessionID; a failure records nothing.
func (e *Engine) Answer(ctx context.Context, sessionID, text string) (Answer, error) {
	sessionID = strings.TrimSpace(sessionID)
	text = strings.TrimSpace(text)
	if sessionID == "" {
		return Answer{}, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	if text == "" {
		return Answer{}, fmt.Errorf("%w: message is empty", domain.ErrInvalidInput)
	}

	req := &request{sessionID: sessionID, text: text}
	st := stateKeyword
	for st != stateAnswered && st != stateFailed {
		next := e.step(ctx, st, req)
		e.logger.Debug("answer transition", "session", sessionID, "from", st, "to", next)
		st = next
	}

	if st == stateFailed {
		kind := domain.Kind(req.err)
		e.metrics.ObserveError(string(kind))
		e.logger.Warn("answer failed", "session", sessionID, "kind", kind, "err", req.err)
		return Answer{}, req.err
	}

	e.record(ctx, sessionID, text, req.answer.Text)
	e.metrics.ObserveAnswer(string(req.answer.Source))
	e.logger.Info("answered", "session", sessionID, "source", req.answer.Source, "score", req.answer.Score)
	return req.answer, nil
}

func (e *Engine) step(ctx context.Context, st state, req *request) state {
	switch st {
	case stateKeyword:
		return e.keywordCheck(req)
	case stateRetrieval:
		return e.retrievalCheck(ctx, req)
	case stateCompletion:
		return e.completionFallback(ctx, req)
	}
	req.err = fmt.Errorf("unexpected state %s", st)
	return stateFailed
}

func (e *Engine) keywordCheck(req *request) state {
	if reply, ok := e.keywords.Match(req.text); ok {
		req.answer = Answer{Text: reply, Source: SourceKeyword, Score: 100}
		return stateAnswered
	}
	return stateRetrieval
}

func (e *Engine) retrievalCheck(ctx context.Context, req *request) state {
	if ix := e.index.Load(); ix != nil {
		res := e.matcher.Match(req.text, ix)
		req.score = res.Score
		if res.Accepted {
			req.answer = Answer{Text: res.Passage, Source: SourceIndex, MatchedSource: res.Document.ID, Score: res.Score}
			return stateAnswered
		}
		return stateCompletion
	}

	if len(e.pages) == 0 {
		return stateCompletion
	}
	pages, err := e.fetchPages(ctx)
	if err != nil {
		req.err = err
		return stateFailed
	}
	ix, err := e.pageIx.index(pages)
	if err != nil {
		req.err = domain.Wrap(domain.ErrInternalIndex, err)
		return stateFailed
	}
	res := e.matcher.Match(req.text, ix)
	req.score = res.Score
	if res.Accepted {
		req.answer = Answer{Text: res.Passage, Source: SourcePage, MatchedSource: res.Document.ID, Score: res.Score}
		return stateAnswered
	}
	req.context = pageTexts(pages)
	return stateCompletion
}

// fetchPages loads every configured page through the cache. Pages that fail
// are skipped; the call fails only when none could be loaded.
func (e *Engine) fetchPages(ctx context.Context) ([]loadedPage, error) {
	texts := make([]string, len(e.pages))
	errs := make([]error, len(e.pages))

	var g errgroup.Group
	g.SetLimit(defaultPageConcurrency)
	for i, loc := range e.pages {
		g.Go(func() error {
			texts[i], errs[i] = e.cache.GetOrFetch(ctx, loc, e.fetcher.Fetch)
			return nil
		})
	}
	_ = g.Wait()

	var pages []loadedPage
	var failed []error
	for i, loc := range e.pages {
		if errs[i] != nil {
			e.logger.Warn("page skipped", "locator", loc, "err", errs[i])
			failed = append(failed, errs[i])
			continue
		}
		if strings.TrimSpace(texts[i]) == "" {
			continue
		}
		pages = append(pages, loadedPage{locator: loc, text: texts[i]})
	}
	if len(failed) == len(e.pages) {
		return nil, domain.Wrap(domain.ErrContentUnavailable, errors.Join(failed...))
	}
	return pages, nil
}

func (e *Engine) completionFallback(ctx context.Context, req *request) state {
	history := e.history(ctx, req.sessionID)
	msgs := buildMessages(e.systemPrompt, contextBlock(req.context, e.maxContextChars), history, req.text)
	text, err := e.complete(ctx, msgs)
	if err != nil {
		req.err = err
		return stateFailed
	}
	req.answer = Answer{Text: text, Source: SourceCompletion, Score: req.score}
	return stateAnswered
}

// complete sends one completion request bounded by the completion timeout.
// It is never retried.
func (e *Engine) complete(ctx context.Context, msgs []domain.Message) (string, error) {
	if e.provider == nil {
		return "", domain.Wrap(domain.ErrCompletionUnavailable, errNoProvider)
	}
	cctx, cancel := context.WithTimeout(ctx, e.completionTimeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Chat(cctx, domain.ChatRequest{
		Messages:    msgs,
		Model:       e.model,
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	})
	if err == nil && (resp == nil || strings.TrimSpace(resp.Content) == "") {
		err = errEmptyCompletion
	}
	if err != nil && errors.Is(cctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", err, context.DeadlineExceeded)
	}
	e.metrics.ObserveCompletion(e.provider.Name(), time.Since(start), err)
	if err != nil {
		return "", domain.Wrap(domain.ErrCompletionUnavailable, fmt.Errorf("%s: %w", e.provider.Name(), err))
	}
	return strings.TrimSpace(resp.Content), nil
}

// history returns recent turns for the prompt. A store failure only costs
// the prompt its history.
func (e *Engine) history(ctx context.Context, sessionID string) []domain.Turn {
	turns, err := e.memory.History(ctx, sessionID)
	if err != nil {
		e.logger.Error("load history", "session", sessionID, "err", err)
		return nil
	}
	return turns
}

func (e *Engine) record(ctx context.Context, sessionID, userText, reply string) {
	err := e.memory.Append(ctx, sessionID,
		domain.Turn{Role: domain.RoleUser, Text: userText},
		domain.Turn{Role: domain.RoleAssistant, Text: reply},
	)
	if err != nil {
		e.logger.Error("record turns", "session", sessionID, "err", err)
	}
}

// Refine asks the completion provider to improve priorText. History is left
// alone unless the engine was configured to record refinements.
func (e *Engine) Refine(ctx context.Context, sessionID, priorText string) (Answer, error) {
	sessionID = strings.TrimSpace(sessionID)
	priorText = strings.TrimSpace(priorText)
	if sessionID == "" {
		return Answer{}, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	if priorText == "" {
		return Answer{}, fmt.Errorf("%w: nothing to refine", domain.ErrInvalidInput)
	}

	instruction := refineInstruction(priorText)
	msgs := buildMessages(e.systemPrompt, "", e.history(ctx, sessionID), instruction)
	text, err := e.complete(ctx, msgs)
	if err != nil {
		kind := domain.Kind(err)
		e.metrics.ObserveError(string(kind))
		e.logger.Warn("refine failed", "session", sessionID, "kind", kind, "err", err)
		return Answer{}, err
	}
	if e.recordRefinements {
		e.record(ctx, sessionID, instruction, text)
	}
	e.metrics.ObserveAnswer(string(SourceRefine))
	return Answer{Text: text, Source: SourceRefine}, nil
}

// Verdict is a user's judgement of a prior answer.
type Verdict string

const (
	VerdictPositive Verdict = "positive"
	VerdictNegative Verdict = "negative"
)

// ParseVerdict accepts "positive"/"negative" and the "good"/"bad" shorthands.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "positive", "good", "up", "+":
		return VerdictPositive, nil
	case "negative", "bad", "down", "-":
		return VerdictNegative, nil
	}
	return "", fmt.Errorf("%w: unknown feedback %q", domain.ErrInvalidInput, s)
}

// Feedback returns priorText unchanged for a positive verdict and a refined
// version for a negative one.
func (e *Engine) Feedback(ctx context.Context, sessionID, priorText string, v Verdict) (Answer, error) {
	switch v {
	case VerdictPositive:
		if strings.TrimSpace(priorText) == "" {
			return Answer{}, fmt.Errorf("%w: response is empty", domain.ErrInvalidInput)
		}
		return Answer{Text: priorText, Source: SourceFeedback}, nil
	case VerdictNegative:
		return e.Refine(ctx, sessionID, priorText)
	}
	return Answer{}, fmt.Errorf("%w: unknown feedback %q", domain.ErrInvalidInput, v)
}

func (e *Engine) ClearHistory(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("%w: session id is required", domain.ErrInvalidInput)
	}
	return e.memory.Clear(ctx, sessionID)
}

// History returns the recorded turns for sessionID.
func (e *Engine) History(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	return e.memory.History(ctx, sessionID)
}

// RefreshCorpus lists the corpus, builds a new index and swaps it in. On
// failure the index in use is kept. An empty corpus unloads the index so
// configured pages serve retrieval again. Returns the indexed document count.
func (e *Engine) RefreshCorpus(ctx context.Context) (int, error) {
	if e.corpus == nil {
		return 0, domain.Wrap(domain.ErrContentUnavailable, errNoCorpus)
	}
	e.refreshMu.Lock()
	defer e.refreshMu.Unlock()

	start := time.Now()
	src, err := e.corpus.ListDocuments(ctx)
	if err != nil {
		err = domain.Wrap(domain.ErrContentUnavailable, err)
		e.metrics.ObserveRefresh(err, 0)
		e.logger.Error("corpus refresh failed, keeping current index", "err", err)
		return 0, err
	}
	src = corpus.Chunk(src, e.chunkSize, e.chunkOverlap)

	docs := make([]*retrieval.Document, 0, len(src))
	seen := make(map[string]struct{}, len(src))
	for _, d := range src {
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		id := corpus.DocumentID(d)
		if _, dup := seen[id]; dup {
			e.logger.Warn("duplicate document skipped", "id", id)
			continue
		}
		seen[id] = struct{}{}
		docs = append(docs, retrieval.NewDocument(id, d.Text))
	}

	if len(docs) == 0 {
		e.index.Store(nil)
		e.metrics.ObserveRefresh(nil, 0)
		e.logger.Info("corpus empty, index unloaded")
		return 0, nil
	}

	ix, err := retrieval.BuildIndex(docs)
	if err != nil {
		err = domain.Wrap(domain.ErrInternalIndex, err)
		e.metrics.ObserveRefresh(err, 0)
		e.logger.Error("index build failed, keeping current index", "err", err)
		return 0, err
	}
	e.index.Store(ix)
	e.metrics.ObserveRefresh(nil, ix.Len())
	e.logger.Info("corpus refreshed", "documents", ix.Len(), "tokens", ix.Tokens(), "took", time.Since(start))
	return ix.Len(), nil
}

// Index returns the index in use, or nil.
func (e *Engine) Index() *retrieval.Index { return e.index.Load() }

// RefreshKeywords replaces the keyword table.
func (e *Engine) RefreshKeywords(t *keyword.Table) {
	e.keywords.Replace(t)
	n := e.keywords.Table().Len()
	e.metrics.SetKeywordEntries(n)
	e.logger.Info("keywords replaced", "entries", n)
}

// MergeKeywords merges t into the keyword table and returns the result.
func (e *Engine) MergeKeywords(t *keyword.Table) *keyword.Table {
	next := e.keywords.Merge(t)
	e.metrics.SetKeywordEntries(next.Len())
	e.logger.Info("keywords merged", "entries", next.Len())
	return next
}

// Keywords returns the keyword table in use.
func (e *Engine) Keywords() *keyword.Table { return e.keywords.Table() }

// ProviderName returns the completion provider's name, or "" when none is set.
func (e *Engine) ProviderName() string {
	if e.provider == nil {
		return ""
	}
	return e.provider.Name()
}

func dedupe(locators []string) []string {
	seen := make(map[string]struct{}, len(locators))
	out := make([]string, 0, len(locators))
	for _, l := range locators {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
