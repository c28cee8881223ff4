package dialog

import (
	"context"
	"log"
	"sync"
	"time"

	"p12bot/internal/tempstore"
)

// Dialogue states. A chat with no session is implicitly awaiting a file.
type State int

const (
	StateAwaitingOldPass State = iota + 1
	StateAwaitingNewPass
)

// Session is the per-chat scratch state between the upload and the final
// password step. It owns the temp-dir lease until a terminal outcome.
type Session struct {
	ChatID    int64
	State     State
	Lease     *tempstore.Lease
	InputPath string
	OrigName  string
	OldPass   string
	Deadline  time.Time
}

const (
	DefaultSessionTTL  = 30 * time.Minute
	defaultJanitorTick = time.Minute
)

// Sessions is the in-memory per-chat session registry. Abandoned sessions
// are expired by the janitor so their temp directories do not pile up.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]*Session
	ttl time.Duration
}

// NewSessions builds a registry whose sessions expire after ttl.
func NewSessions(ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{m: make(map[int64]*Session), ttl: ttl}
}

// Put stores the chat's session and refreshes its deadline. Any previous
// session for the chat is returned so the caller can release its lease.
func (s *Sessions) Put(sess *Session) *Session {
	if sess == nil {
		return nil
	}
	sess.Deadline = time.Now().Add(s.ttl)
	s.mu.Lock()
	prev := s.m[sess.ChatID]
	s.m[sess.ChatID] = sess
	s.mu.Unlock()
	if prev == sess {
		return nil
	}
	return prev
}

// Get returns the chat's live session and refreshes its deadline.
func (s *Sessions) Get(chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.m[chatID]
	if sess != nil {
		sess.Deadline = time.Now().Add(s.ttl)
	}
	return sess
}

// Remove detaches and returns the chat's session, nil when none exists.
// The caller owns the returned session's lease.
func (s *Sessions) Remove(chatID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.m[chatID]
	delete(s.m, chatID)
	return sess
}

// StartJanitor launches the background sweep of expired sessions.
func (s *Sessions) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorTick
	}
	go s.janitorLoop(ctx, interval)
}

func (s *Sessions) janitorLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.sweepExpired(time.Now()); n > 0 {
				log.Printf("dialog: expired %d abandoned session(s)", n)
			}
		}
	}
}

func (s *Sessions) sweepExpired(now time.Time) int {
	var expired []*Session
	s.mu.Lock()
	for chatID, sess := range s.m {
		if now.After(sess.Deadline) {
			delete(s.m, chatID)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.Lease.Release()
	}
	return len(expired)
}
