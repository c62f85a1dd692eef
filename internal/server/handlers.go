package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"orgbot/internal/content"
	"orgbot/internal/domain"
	"orgbot/internal/engine"
	"orgbot/internal/keyword"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

type chatResponse struct {
	SessionID     string        `json:"session_id"`
	Answer        string        `json:"answer"`
	Source        engine.Source `json:"source"`
	MatchedSource string        `json:"matched_source,omitempty"`
	Score         int           `json:"score"`
}

func newChatResponse(sessionID string, a engine.Answer) chatResponse {
	return chatResponse{
		SessionID:     sessionID,
		Answer:        a.Text,
		Source:        a.Source,
		MatchedSource: a.MatchedSource,
		Score:         a.Score,
	}
}

// sessionID resolves the caller's session: explicit id, then cookie, then a
// fresh id when create is set. A resolved id is (re)issued as a cookie.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request, explicit string, create bool) string {
	id := strings.TrimSpace(explicit)
	if id == "" {
		if c, err := r.Cookie(sessionCookieName); err == nil {
			id = c.Value
		}
	}
	if id == "" && create {
		id = uuid.NewString()
		s.logger.Info("new session created", "session", id)
	}
	if id != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     sessionCookieName,
			Value:    id,
			Path:     "/",
			MaxAge:   sessionMaxAge,
			HttpOnly: true,
			Secure:   s.cookieSecure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	return id
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, fmt.Errorf("%w: message is empty", domain.ErrInvalidInput))
		return
	}
	id := s.sessionID(w, r, req.SessionID, true)

	ans, err := s.engine.Answer(r.Context(), id, req.Message)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(id, ans))
}

type feedbackRequest struct {
	SessionID string `json:"session_id"`
	Response  string `json:"response"`
	Feedback  string `json:"feedback"`
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	verdict, err := engine.ParseVerdict(req.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := s.sessionID(w, r, req.SessionID, true)

	ans, err := s.engine.Feedback(r.Context(), id, req.Response, verdict)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newChatResponse(id, ans))
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	id := s.sessionID(w, r, req.SessionID, false)
	if err := s.engine.ClearHistory(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "session_id": id})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := s.sessionID(w, r, r.URL.Query().Get("session_id"), false)
	if id == "" {
		s.writeError(w, r, fmt.Errorf("%w: session id is required", domain.ErrInvalidInput))
		return
	}
	turns, err := s.engine.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "turns": turns})
}

type scrapeRequest struct {
	URLs []string `json:"urls"`
}

// handleScrape fetches each URL independently and reports text or error per URL.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.URLs) > maxScrapeURLs {
		s.writeError(w, r, fmt.Errorf("%w: at most %d urls per request", domain.ErrInvalidInput, maxScrapeURLs))
		return
	}
	results := content.Scrape(r.Context(), s.fetcher, req.URLs, defaultScrapeWorkers)
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleRefreshCorpus(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RefreshCorpus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "refreshed", "documents": n})
}

func (s *Server) handleGetKeywords(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"entries": s.engine.Keywords().Entries()})
}

// readKeywords parses a keyword table body. JSON is valid YAML, so both a
// JSON list of entries and an ordered JSON object are accepted.
func readKeywords(w http.ResponseWriter, r *http.Request) (*keyword.Table, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", domain.ErrInvalidInput, err)
	}
	defer r.Body.Close()
	t, err := keyword.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return t, nil
}

func (s *Server) handleReplaceKeywords(w http.ResponseWriter, r *http.Request) {
	t, err := readKeywords(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.engine.RefreshKeywords(t)
	writeJSON(w, http.StatusOK, map[string]any{"status": "replaced", "entries": s.engine.Keywords().Len()})
}

func (s *Server) handleMergeKeywords(w http.ResponseWriter, r *http.Request) {
	t, err := readKeywords(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	next := s.engine.MergeKeywords(t)
	writeJSON(w, http.StatusOK, map[string]any{"status": "merged", "entries": next.Len()})
}
