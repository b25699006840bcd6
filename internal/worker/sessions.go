package worker

import (
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"swcache/internal/mutation"
)

// Session is one open page. Messages broadcast while the session is
// controlled arrive on C.
type Session struct {
	ID  string
	URL string

	controlled bool
	ch         chan mutation.Message
}

// C returns the session's message channel. It is closed when the session
// leaves.
func (s *Session) C() <-chan mutation.Message {
	return s.ch
}

// Sessions tracks open pages. Delivery never blocks: a session whose buffer
// is full misses the message.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	buffer   int
	log      *slog.Logger
}

func NewSessions(buffer int, logger *slog.Logger) *Sessions {
	if buffer <= 0 {
		buffer = 16
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Sessions{sessions: make(map[string]*Session), buffer: buffer, log: logger}
}

// Join registers a page at url. Pages opened after activation start
// controlled.
func (s *Sessions) Join(url string, controlled bool) *Session {
	sess := &Session{
		ID:         uuid.NewString(),
		URL:        url,
		controlled: controlled,
		ch:         make(chan mutation.Message, s.buffer),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

// Leave removes a session and closes its channel.
func (s *Sessions) Leave(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		close(sess.ch)
	}
}

// Claim takes control of every open session and returns how many there are.
func (s *Sessions) Claim() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.controlled = true
	}
	return len(s.sessions)
}

// Broadcast sends msg to every controlled session.
func (s *Sessions) Broadcast(msg mutation.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if !sess.controlled {
			continue
		}
		select {
		case sess.ch <- msg:
		default:
			s.log.Warn("session buffer full, message dropped", "session", sess.ID, "type", msg.Type)
		}
	}
}

// Focus returns the id of a session showing url.
func (s *Sessions) Focus(url string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if sess.URL == url {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return "", false
	}
	sort.Strings(ids)
	return ids[0], true
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
