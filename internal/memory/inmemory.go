package memory

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// InMemory keeps sessions in process. Each session has its own lock so
// appends to one session are serialized without blocking other sessions.
type InMemory struct {
	maxTurns int
	shards   [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	mu    sync.Mutex
	turns []Turn
	dead  bool // removed by Clear; holders must look the session up again
}

func NewInMemory(maxTurns int) *InMemory {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	m := &InMemory{maxTurns: maxTurns}
	for i := range m.shards {
		m.shards[i].sessions = make(map[string]*session)
	}
	return m
}

func (m *InMemory) shardFor(sessionID string) *shard {
	return &m.shards[xxhash.Sum64String(sessionID)%shardCount]
}

func (m *InMemory) lookup(sessionID string, create bool) *session {
	sh := m.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[sessionID]
	if !ok && create {
		s = &session{}
		sh.sessions[sessionID] = s
	}
	return s
}

func (m *InMemory) Append(_ context.Context, sessionID string, turns ...Turn) error {
	if err := checkAppend(sessionID, turns); err != nil {
		return err
	}
	if len(turns) == 0 {
		return nil
	}
	for {
		s := m.lookup(sessionID, true)
		s.mu.Lock()
		if s.dead {
			s.mu.Unlock()
			continue
		}
		buf := append(s.turns, turns...)
		if len(buf) > m.maxTurns {
			// Copy so the dropped prefix can be collected.
			buf = append([]Turn(nil), tail(buf, m.maxTurns)...)
		}
		s.turns = buf
		s.mu.Unlock()
		return nil
	}
}

func (m *InMemory) History(_ context.Context, sessionID string) ([]Turn, error) {
	s := m.lookup(sessionID, false)
	if s == nil {
		return []Turn{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

func (m *InMemory) Clear(_ context.Context, sessionID string) error {
	sh := m.shardFor(sessionID)
	sh.mu.Lock()
	s, ok := sh.sessions[sessionID]
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.dead = true
		s.turns = nil
		s.mu.Unlock()
	}
	return nil
}

// Sessions returns the number of sessions holding history.
func (m *InMemory) Sessions() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.sessions)
		sh.mu.Unlock()
	}
	return n
}

func (m *InMemory) Close() error { return nil }
