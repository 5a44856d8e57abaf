package web

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docker/gguf-my-repo/pkg/hub"
)

const (
	sessionCookie = "gguf_session"
	sessionTTL    = 24 * time.Hour
)

// Session is a logged-in user.
type Session struct {
	ID      string
	User    hub.User
	Token   string
	Expires time.Time
}

// sessionStore keeps sessions in memory. They do not survive restarts.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*Session), now: time.Now}
}

func (s *sessionStore) create(user hub.User, token string) *Session {
	session := &Session{
		ID:      uuid.NewString(),
		User:    user,
		Token:   token,
		Expires: s.now().Add(sessionTTL),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, old := range s.sessions {
		if !old.Expires.After(s.now()) {
			delete(s.sessions, id)
		}
	}
	s.sessions[session.ID] = session
	return session
}

func (s *sessionStore) get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if !session.Expires.After(s.now()) {
		delete(s.sessions, id)
		return nil, false
	}
	return session, true
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// fromRequest returns the session named by the request's cookie.
func (s *sessionStore) fromRequest(r *http.Request) (*Session, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil, false
	}
	return s.get(cookie.Value)
}

func isSecure(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}

func setCookie(w http.ResponseWriter, r *http.Request, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   isSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}
