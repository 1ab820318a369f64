package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrBusy is returned when a session already has a turn in flight.
	ErrBusy = errors.New("session is busy")
	// ErrNotFound is returned for operations on unknown session ids.
	ErrNotFound = errors.New("session not found")
)

// ClearSentinel is the stream chunk a driver sends to discard the partial
// assistant text accumulated so far.
const ClearSentinel = "__CLEAR__"

type entry struct {
	mu sync.Mutex
	st state
}

// Store owns every session's conversation state. The map itself is guarded
// by mu; each session is guarded by its own mutex so independent sessions
// never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

// entry returns the entry for id, creating it on first reference.
func (s *Store) entry(id string) *entry {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[id]; ok {
		return e
	}
	now := s.now()
	e = &entry{st: state{id: id, createdAt: now, lastActivityAt: now}}
	s.sessions[id] = e
	return e
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.sessions[id]
	return e, ok
}

// Get returns a snapshot of an existing session.
func (s *Store) Get(id string) (Snapshot, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.snapshot(), true
}

// Resume creates the session if needed and calls bind with a snapshot while
// the session lock is held. Chunk and progress updates publish under the
// same lock, so an observer bound inside bind sees every update exactly once:
// either in the snapshot or as a live event.
func (s *Store) Resume(id string, bind func(Snapshot)) Snapshot {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.st.snapshot()
	if bind != nil {
		bind(snap)
	}
	return snap
}

// Messages returns a copy of the session's log.
func (s *Store) Messages(id string) []Message {
	e, ok := s.lookup(id)
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneMessages(e.st.messages)
}

// Append adds msg to the session's log, stamping it if needed.
func (s *Store) Append(id string, msg Message) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	s.appendLocked(&e.st, msg)
}

func (s *Store) appendLocked(st *state, msg Message) {
	now := s.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	st.messages = append(st.messages, msg)
	st.lastActivityAt = now
}

// BeginTurn marks the session busy and appends the user's message. A busy
// session is left untouched and ErrBusy is returned.
func (s *Store) BeginTurn(id, text string) (Message, error) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.busy {
		return Message{}, ErrBusy
	}
	e.st.busy = true
	e.st.buffer = ""
	e.st.progress = nil
	msg := Message{Role: RoleUser, Content: text, Timestamp: s.now()}
	s.appendLocked(&e.st, msg)
	return msg, nil
}

// AppendChunk adds streamed assistant text to the session buffer and calls
// publish while still holding the session lock. ClearSentinel resets the
// buffer instead.
func (s *Store) AppendChunk(id, chunk string, publish func()) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if chunk == ClearSentinel {
		e.st.buffer = ""
	} else {
		e.st.buffer += chunk
	}
	e.st.lastActivityAt = s.now()
	if publish != nil {
		publish()
	}
}

// SetProgress overwrites the session's tool progress and calls publish
// under the session lock.
func (s *Store) SetProgress(id string, p ToolProgress, publish func()) {
	e := s.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.progress = &p
	e.st.lastActivityAt = s.now()
	if publish != nil {
		publish()
	}
}

// Finalize ends the session's turn: a non-empty buffer becomes an assistant
// message, buffer and progress are cleared and busy is released. It returns
// the appended message, if any. Calling Finalize on an idle session does
// nothing.
func (s *Store) Finalize(id string) (*Message, bool) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.st.busy {
		return nil, false
	}

	var added *Message
	if e.st.buffer != "" {
		msg := Message{Role: RoleAssistant, Content: e.st.buffer}
		s.appendLocked(&e.st, msg)
		last := e.st.messages[len(e.st.messages)-1]
		added = &last
	}
	e.st.buffer = ""
	e.st.progress = nil
	e.st.busy = false
	e.st.lastActivityAt = s.now()
	return added, true
}

// Clear truncates the log and resets buffer and progress. It is rejected
// while a turn is in flight.
func (s *Store) Clear(id string) error {
	e, ok := s.lookup(id)
	if !ok {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.st.busy {
		return ErrBusy
	}
	e.st.messages = nil
	e.st.buffer = ""
	e.st.progress = nil
	e.st.lastActivityAt = s.now()
	return nil
}

// GetAll returns snapshots of every session, most recently active first.
func (s *Store) GetAll() []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		result = append(result, e.st.snapshot())
		e.mu.Unlock()
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastActivityAt.After(result[j].LastActivityAt)
	})
	return result
}

// BusyCount returns the number of sessions with a turn in flight.
func (s *Store) BusyCount() int {
	count := 0
	for _, snap := range s.GetAll() {
		if snap.Busy {
			count++
		}
	}
	return count
}

// Len returns the number of known sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
