// internal/session/state.go
package session

import "sync"

// State is the key/value memory of one conversation. It lives for one
// request and is owned by the single unit of work serving that chat.
type State struct {
	values map[string]any
}

// NewState creates an empty conversation state
func NewState() *State {
	return &State{values: make(map[string]any)}
}

func (s *State) Set(key string, v any) {
	s.values[key] = v
}

func (s *State) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

func (s *State) Len() int {
	return len(s.values)
}

// Snapshot returns a shallow copy of the stored values
func (s *State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Clear drops everything stored for the conversation
func (s *State) Clear() {
	clear(s.values)
}

// Store hands out one State per chat
type Store struct {
	mu     sync.Mutex
	states map[int64]*State
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{states: make(map[int64]*State)}
}

// Acquire returns the state of a chat, creating it if needed
func (s *Store) Acquire(chatID int64) *State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[chatID]
	if !ok {
		st = NewState()
		s.states[chatID] = st
	}
	return st
}

// Release forgets the state of a chat once it holds nothing
func (s *Store) Release(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.states[chatID]; ok && st.Len() == 0 {
		delete(s.states, chatID)
	}
}

// Len returns how many chats currently hold state
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
