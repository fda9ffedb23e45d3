package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"officemafia/internal/game"
)

// HostTokenHeader carries the token handed out when the session was created.
// It correlates a device with its session; it is not authentication.
const HostTokenHeader = "X-Host-Token"

type contextKey string

const sessionContextKey contextKey = "session"

// sessionResolver finds the session a host-only request acts on.
type sessionResolver func(r *http.Request) (string, error)

func sessionFromPath(r *http.Request) (string, error) {
	return r.PathValue("id"), nil
}

func (s *Server) sessionOfPlayer(r *http.Request) (string, error) {
	p, err := s.manager.GetPlayer(r.Context(), r.PathValue("id"))
	if err != nil {
		return "", err
	}
	return p.SessionID, nil
}

func (s *Server) requireHost(resolve sessionResolver, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := hostToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing host token")
			return
		}

		sessionID, err := resolve(r)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		sess, err := s.manager.GetSession(r.Context(), sessionID)
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		if !tokensEqual(token, sess.HostToken) {
			s.writeDomainError(w, r, game.ErrHostTokenMismatch)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, sess)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// hostToken reads the header, falling back to the query string for clients
// such as EventSource that cannot set headers.
func hostToken(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(HostTokenHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("hostToken"))
}

func tokensEqual(a, b string) bool {
	return b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func sessionFromContext(ctx context.Context) (game.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(game.Session)
	return sess, ok
}

// viewer identifies who is looking at a session for role redaction.
type viewer struct {
	playerID string
	isHost   bool
}

func viewerFor(r *http.Request, sess game.Session) viewer {
	return viewer{
		playerID: r.URL.Query().Get("player"),
		isHost:   tokensEqual(hostToken(r), sess.HostToken),
	}
}
