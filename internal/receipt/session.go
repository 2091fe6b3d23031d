package receipt

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const sessionCookieName = "receipt_session"

// Session is the per-browser context handed to every handler.
// Only authenticated sessions are ever created.
type Session struct {
	ID string

	mu       sync.Mutex
	report   *Result
	lastSeen time.Time
}

// Report returns the session's latest report, if any
func (s *Session) Report() *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// SetReport stores report as the latest one and returns the one it replaced
func (s *Session) SetReport(report *Result) *Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.report
	s.report = report
	return prev
}

// SessionStore keeps sessions in memory until they go idle
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
	onEvict  func(*Session)
}

// NewSessionStore creates a store whose sessions expire after ttl of inactivity
func NewSessionStore(ttl time.Duration, onEvict func(*Session)) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
		onEvict:  onEvict,
	}
}

// Create starts a new session
func (st *SessionStore) Create() *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()

	s := &Session{ID: uuid.NewString(), lastSeen: st.now()}
	st.sessions[s.ID] = s
	return s
}

// Get returns a live session and refreshes its idle timer
func (st *SessionStore) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pruneLocked()

	s, ok := st.sessions[id]
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	s.lastSeen = st.now()
	s.mu.Unlock()
	return s, true
}

// Delete ends a session
func (st *SessionStore) Delete(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	delete(st.sessions, id)
	st.mu.Unlock()

	if ok && st.onEvict != nil {
		st.onEvict(s)
	}
}

// AttachReport stores report on sess if the session is still live and
// returns the report it replaced. ok is false once the session has ended.
func (st *SessionStore) AttachReport(sess *Session, report *Result) (prev *Result, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.sessions[sess.ID] != sess {
		return nil, false
	}
	return sess.SetReport(report), true
}

// Len returns the number of live sessions
func (st *SessionStore) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *SessionStore) pruneLocked() {
	if st.ttl <= 0 {
		return
	}
	cutoff := st.now().Add(-st.ttl)
	for id, s := range st.sessions {
		s.mu.Lock()
		idle := s.lastSeen.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(st.sessions, id)
			if st.onEvict != nil {
				st.onEvict(s)
			}
		}
	}
}

// sessionFromRequest looks up the session named by the request cookie
func (st *SessionStore) sessionFromRequest(r *http.Request) (*Session, bool) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, false
	}
	return st.Get(c.Value)
}

// loginLimiter throttles passphrase attempts per client address
type loginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newLoginLimiter(limit rate.Limit, burst int) *loginLimiter {
	return &loginLimiter{
		limiters: make(map[string]*limiterEntry),
		limit:    limit,
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether another attempt from ip may proceed
func (l *loginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, e := range l.limiters {
		if now.Sub(e.lastSeen) > 10*time.Minute {
			delete(l.limiters, k)
		}
	}

	e, ok := l.limiters[ip]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
