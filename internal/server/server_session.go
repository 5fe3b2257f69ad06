package server

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignea/consulta/internal/protocol"
	"github.com/ignea/consulta/internal/server/httpx"
)

const (
	sessionCookie  = "sessionid"
	csrfCookie     = "csrftoken"
	csrfHeader     = "X-CSRFToken"
	sessionIdleTTL = 12 * time.Hour
)

// job is the lookup batch of one session. Fields are guarded by the owning
// session's mutex; stepMu serialises step calls.
type job struct {
	stepMu sync.Mutex

	queue       []protocol.QueueItem
	processed   int
	total       int
	results     []protocol.ResultRow
	status      string
	tipo        string
	arquivoNome string
	cnpjs       string
}

type session struct {
	mu          sync.Mutex
	job         *job
	lastResults []protocol.ResultRow
	retry       protocol.RetryStatus
	lastSeen    time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]*session{}, now: time.Now}
}

func (st *sessionStore) get(id string) (*session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	sess, ok := st.sessions[id]
	if ok {
		sess.lastSeen = st.now()
	}
	return sess, ok
}

func (st *sessionStore) create() (string, *session) {
	id := uuid.NewString()
	sess := &session{lastSeen: st.now()}
	st.mu.Lock()
	st.sessions[id] = sess
	st.mu.Unlock()
	return id, sess
}

func (st *sessionStore) len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// prune drops sessions idle for longer than sessionIdleTTL.
func (st *sessionStore) prune() int {
	cutoff := st.now().Add(-sessionIdleTTL)
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for id, sess := range st.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(st.sessions, id)
			n++
		}
	}
	if n > 0 {
		slog.Debug("pruned idle sessions", "count", n)
	}
	return n
}

type sessionKey struct{}

func sessionFrom(ctx context.Context) *session {
	sess, _ := ctx.Value(sessionKey{}).(*session)
	return sess
}

// withSession attaches the caller's session, creating one and issuing the
// session and CSRF cookies when needed.
func (s *Server) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var sess *session
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			sess, _ = s.sessions.get(c.Value)
		}
		if sess == nil {
			var id string
			id, sess = s.sessions.create()
			http.SetCookie(w, &http.Cookie{
				Name:     sessionCookie,
				Value:    id,
				Path:     "/",
				HttpOnly: true,
				Secure:   s.cfg.SecureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}
		if c, err := r.Cookie(csrfCookie); err != nil || c.Value == "" {
			http.SetCookie(w, &http.Cookie{
				Name:     csrfCookie,
				Value:    uuid.NewString(),
				Path:     "/",
				Secure:   s.cfg.SecureCookies,
				SameSite: http.SameSiteLaxMode,
			})
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

// checkCSRF requires unsafe methods to echo the csrftoken cookie in the
// X-CSRFToken header.
func checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		c, err := r.Cookie(csrfCookie)
		header := r.Header.Get(csrfHeader)
		if err != nil || c.Value == "" || header == "" || subtle.ConstantTimeCompare([]byte(c.Value), []byte(header)) != 1 {
			httpx.WriteDetail(w, http.StatusForbidden, "CSRF token ausente ou inválido.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
