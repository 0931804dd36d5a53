// Package session holds the relay's single offer/answer pair.
package session

import "sync"

// Entry is a stored description and the version it was stored under.
// Version 0 with empty Text means nothing has been stored yet.
type Entry struct {
	Text    string
	Version uint64
}

// Empty reports whether the slot holds no description.
func (e Entry) Empty() bool { return e.Text == "" }

// Snapshot is a consistent view of both slots.
type Snapshot struct {
	Offer  Entry
	Answer Entry
}

// Empty reports whether neither slot holds a description.
func (s Snapshot) Empty() bool { return s.Offer.Empty() && s.Answer.Empty() }

// Store keeps the latest offer and answer. Both slots share one version
// counter, so every stored description gets a version strictly greater than
// all versions handed out before it. A single lock guards text and version
// together; a reader never sees a version paired with another generation's
// text.
type Store struct {
	mu      sync.RWMutex
	offer   Entry
	answer  Entry
	counter uint64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// SubmitOffer stores text as the current offer unless it equals the stored
// one. It reports whether the offer changed.
func (s *Store) SubmitOffer(text string) (Entry, bool) {
	return s.submit(&s.offer, text)
}

// SubmitAnswer is SubmitOffer for the answer slot.
func (s *Store) SubmitAnswer(text string) (Entry, bool) {
	return s.submit(&s.answer, text)
}

func (s *Store) submit(slot *Entry, text string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot.Text == text {
		return *slot, false
	}
	s.counter++
	*slot = Entry{Text: text, Version: s.counter}
	return *slot, true
}

// Offer returns the current offer.
func (s *Store) Offer() Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offer
}

// Answer returns the current answer.
func (s *Store) Answer() Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answer
}

// Snapshot returns both slots read under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Offer: s.offer, Answer: s.answer}
}

// Reset empties both slots. The counter is kept so versions handed out later
// still exceed every cursor a connection may hold.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offer = Entry{}
	s.answer = Entry{}
}
