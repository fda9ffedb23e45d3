package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"officemafia/internal/cleanup"
	"officemafia/internal/game"
	"officemafia/internal/lifecycle"
	"officemafia/internal/store"
)

func newTestServer(t *testing.T, opts ...lifecycle.Option) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(filepath.Join(t.TempDir(), "server.db"), store.Options{Logger: logger})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := lifecycle.NewBus()
	opts = append([]lifecycle.Option{lifecycle.WithPublisher(bus), lifecycle.WithLogger(logger)}, opts...)
	mgr := lifecycle.New(st, opts...)
	srv, err := New(Config{Port: "0", AllowedOrigins: []string{"*"}}, Deps{
		Manager: mgr,
		Store:   st,
		Events:  bus,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(HostTokenHeader, token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
	return v
}

type lobbyFixture struct {
	session game.Session
	token   string
	host    game.Player
	players []game.Player
}

// openLobby creates a session with a seated host and joins names.
func openLobby(t *testing.T, h http.Handler, names ...string) lobbyFixture {
	t.Helper()
	w := do(t, h, http.MethodPost, "/sessions", map[string]string{"displayName": "Host"}, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 from create, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[struct {
		Session   game.Session `json:"session"`
		HostToken string       `json:"hostToken"`
		Host      *game.Player `json:"host"`
	}](t, w)
	if created.HostToken == "" || created.Host == nil || !created.Host.IsHost {
		t.Fatalf("expected host token and seated host, got %+v", created)
	}

	fx := lobbyFixture{session: created.Session, token: created.HostToken, host: *created.Host}
	for _, name := range names {
		// codes are matched case-insensitively
		jw := do(t, h, http.MethodPost, "/codes/"+strings.ToLower(fx.session.Code)+"/players",
			map[string]string{"displayName": name}, "")
		if jw.Code != http.StatusCreated {
			t.Fatalf("join %s: expected 201, got %d: %s", name, jw.Code, jw.Body.String())
		}
		fx.players = append(fx.players, decode[game.Player](t, jw))
	}
	return fx
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	fx := openLobby(t, h, "Alice", "Bob", "Carol")
	startPath := "/sessions/" + fx.session.ID + "/start"

	if w := do(t, h, http.MethodPost, startPath, nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	w := do(t, h, http.MethodPost, startPath, nil, "not-the-token")
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Code != game.CodeHostTokenMismatch {
		t.Fatalf("expected %s, got %s", game.CodeHostTokenMismatch, resp.Code)
	}

	w = do(t, h, http.MethodPost, startPath, nil, fx.token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from start, got %d: %s", w.Code, w.Body.String())
	}
	started := decode[game.Session](t, w)
	if started.Status != game.StatusInProgress || started.Phase != game.PhaseNight {
		t.Fatalf("unexpected started session: %+v", started)
	}

	w = do(t, h, http.MethodPost, "/codes/"+fx.session.Code+"/players", map[string]string{"displayName": "Late"}, "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 joining a started session, got %d", w.Code)
	}

	w = do(t, h, http.MethodGet, "/sessions/"+fx.session.ID+"/players", nil, fx.token)
	roster := decode[rosterResponse](t, w)
	if len(roster.Players) != 4 {
		t.Fatalf("expected 4 players, got %d", len(roster.Players))
	}
	var rogue string
	for _, p := range roster.Players {
		if p.IsHost {
			if p.Role != game.RoleUnset {
				t.Fatalf("host should not be dealt a role, got %s", p.Role)
			}
			continue
		}
		if p.Role == game.RoleUnset {
			t.Fatalf("expected %s to hold a role", p.DisplayName)
		}
		if p.Role == game.RoleRogue {
			rogue = p.ID
		}
	}
	if rogue == "" {
		t.Fatalf("expected a rogue among %+v", roster.Players)
	}

	w = do(t, h, http.MethodPut, "/sessions/"+fx.session.ID+"/phase", map[string]string{"phase": "day"}, fx.token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from phase change, got %d: %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodPut, "/sessions/"+fx.session.ID+"/phase", map[string]string{"phase": "brunch"}, fx.token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown phase, got %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/players/"+rogue+"/eliminate", nil, fx.token)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from eliminate, got %d: %s", w.Code, w.Body.String())
	}
	out := decode[lifecycle.Elimination](t, w)
	if !out.Ended || out.Winner != game.WinnerEmployees {
		t.Fatalf("expected employees to win, got %+v", out)
	}

	w = do(t, h, http.MethodGet, "/sessions/"+fx.session.ID+"/winner", nil, "")
	if got := decode[map[string]any](t, w); got["winner"] != string(game.WinnerEmployees) {
		t.Fatalf("expected winner employees, got %v", got)
	}

	w = do(t, h, http.MethodPost, "/players/"+fx.players[0].ID+"/revive", nil, fx.token)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 reviving in a completed session, got %d", w.Code)
	}
	if resp := decode[errorResponse](t, w); resp.Code != game.CodeSessionClosed {
		t.Fatalf("expected %s, got %s", game.CodeSessionClosed, resp.Code)
	}
}

func TestRosterRedactsRoles(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	fx := openLobby(t, h, "Alice", "Bob", "Carol")
	if w := do(t, h, http.MethodPost, "/sessions/"+fx.session.ID+"/start", nil, fx.token); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	alice := fx.players[0].ID
	w := do(t, h, http.MethodGet, "/sessions/"+fx.session.ID+"/players?player="+alice, nil, "")
	roster := decode[rosterResponse](t, w)
	for _, p := range roster.Players {
		switch {
		case p.ID == alice && p.Role == game.RoleUnset:
			t.Fatalf("expected the viewer to see their own role")
		case p.ID != alice && p.Role != game.RoleUnset:
			t.Fatalf("expected %s's role to be hidden, got %s", p.DisplayName, p.Role)
		}
		if p.JoinedAgo == "" {
			t.Fatalf("expected joinedAgo for %s", p.DisplayName)
		}
	}

	if w := do(t, h, http.MethodPost, "/sessions/"+fx.session.ID+"/end", nil, fx.token); w.Code != http.StatusOK {
		t.Fatalf("end: %d %s", w.Code, w.Body.String())
	}
	w = do(t, h, http.MethodGet, "/sessions/"+fx.session.ID+"/players", nil, "")
	roster = decode[rosterResponse](t, w)
	for _, p := range roster.Players {
		if !p.IsHost && p.Role == game.RoleUnset {
			t.Fatalf("expected roles revealed after the session ended, %s has none", p.DisplayName)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	fx := openLobby(t, h, "Alice", "Bob")

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		token      string
		wantStatus int
		wantCode   game.Code
	}{
		{
			name:       "unknown code",
			method:     http.MethodGet,
			path:       "/codes/ZZZZZZ",
			wantStatus: http.StatusNotFound,
			wantCode:   game.CodeNotFound,
		},
		{
			name:       "duplicate name",
			method:     http.MethodPost,
			path:       "/codes/" + fx.session.Code + "/players",
			body:       map[string]string{"displayName": "Alice"},
			wantStatus: http.StatusConflict,
			wantCode:   game.CodeDuplicateName,
		},
		{
			name:       "blank name",
			method:     http.MethodPost,
			path:       "/codes/" + fx.session.Code + "/players",
			body:       map[string]string{"displayName": "   "},
			wantStatus: http.StatusBadRequest,
			wantCode:   game.CodeInvalidDisplayName,
		},
		{
			name:       "too few players",
			method:     http.MethodPost,
			path:       "/sessions/" + fx.session.ID + "/start",
			token:      fx.token,
			wantStatus: http.StatusBadRequest,
			wantCode:   game.CodeInsufficientPlayers,
		},
		{
			name:       "eliminate before start",
			method:     http.MethodPost,
			path:       "/players/" + fx.players[0].ID + "/eliminate",
			token:      fx.token,
			wantStatus: http.StatusConflict,
			wantCode:   game.CodeNotStarted,
		},
		{
			name:       "unknown player",
			method:     http.MethodPost,
			path:       "/players/missing/eliminate",
			token:      fx.token,
			wantStatus: http.StatusNotFound,
			wantCode:   game.CodeNotFound,
		},
		{
			name:       "unknown session",
			method:     http.MethodGet,
			path:       "/sessions/missing",
			wantStatus: http.StatusNotFound,
			wantCode:   game.CodeNotFound,
		},
		{
			name:       "host join with wrong token",
			method:     http.MethodPost,
			path:       "/codes/" + fx.session.Code + "/players",
			body:       map[string]any{"displayName": "Imposter", "asHost": true},
			token:      "wrong",
			wantStatus: http.StatusForbidden,
			wantCode:   game.CodeHostTokenMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, tt.method, tt.path, tt.body, tt.token)
			if w.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if resp := decode[errorResponse](t, w); resp.Code != tt.wantCode {
				t.Fatalf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}

	t.Run("unknown body field", func(t *testing.T) {
		w := do(t, h, http.MethodPost, "/sessions", map[string]string{"bogus": "x"}, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})
}

type createCounter struct {
	mu      sync.Mutex
	created int
}

func (c *createCounter) SessionCreated() {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
}
func (*createCounter) PlayerJoined()                {}
func (*createCounter) SessionStarted()              {}
func (*createCounter) RoleAssignmentRetried()       {}
func (*createCounter) PlayerEliminated()            {}
func (*createCounter) SessionCompleted(game.Winner) {}

func TestCreateSessionRejectsBadHostNameUpFront(t *testing.T) {
	counter := &createCounter{}
	h := newTestServer(t, lifecycle.WithObserver(counter)).Handler()

	for _, name := range []string{"   ", strings.Repeat("x", game.MaxDisplayNameLength+1)} {
		w := do(t, h, http.MethodPost, "/sessions", map[string]string{"displayName": name}, "")
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d: %s", name, w.Code, w.Body.String())
		}
		if resp := decode[errorResponse](t, w); resp.Code != game.CodeInvalidDisplayName {
			t.Fatalf("expected code %s, got %s", game.CodeInvalidDisplayName, resp.Code)
		}
	}
	counter.mu.Lock()
	created := counter.created
	counter.mu.Unlock()
	if created != 0 {
		t.Fatalf("expected no lobby to be created, got %d", created)
	}

	if w := do(t, h, http.MethodPost, "/sessions", map[string]string{"displayName": "Host"}, ""); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 for a valid name, got %d: %s", w.Code, w.Body.String())
	}
	if counter.created != 1 {
		t.Fatalf("expected one lobby, got %d", counter.created)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()

	tests := []struct {
		name    string
		path    string
		wantCSP bool
	}{
		{name: "health", path: "/healthz", wantCSP: true},
		{name: "sessions", path: "/sessions/abc", wantCSP: true},
		{name: "codes", path: "/codes/ABCDEF", wantCSP: true},
		{name: "metrics", path: "/metrics", wantCSP: true},
		{name: "unrouted", path: "/sessionsx", wantCSP: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, h, http.MethodGet, tt.path, nil, "")
			csp := w.Header().Get("Content-Security-Policy")
			if (csp != "") != tt.wantCSP {
				t.Fatalf("got CSP %q, want present=%v", csp, tt.wantCSP)
			}
			if w.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("X-Content-Type-Options header missing or incorrect")
			}
			if w.Header().Get("X-Frame-Options") != "DENY" {
				t.Error("X-Frame-Options header missing or incorrect")
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	srv.allowAllOrigins = false
	srv.allowedOrigins = []string{"https://play.example.com"}
	h := srv.Handler()

	req := httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "https://play.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://play.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(got, HostTokenHeader) {
		t.Fatalf("expected %s in allowed headers, got %q", HostTokenHeader, got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/sessions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin for unknown origin, got %q", got)
	}
}

func TestHealthReportsCleanup(t *testing.T) {
	srv := newTestServer(t)
	srv.cleanup = cleanup.NewScheduler(srv.store, cleanup.Config{Interval: time.Minute, Logger: srv.logger})
	if _, err := srv.cleanup.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cleanup: %v", err)
	}

	w := do(t, srv.Handler(), http.MethodGet, "/healthz", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[healthResponse](t, w)
	if resp.Status != "ok" || resp.Cleanup == nil || resp.Cleanup.Runs != 1 {
		t.Fatalf("unexpected health response %+v", resp)
	}
}

func TestEventStreamDeliversPhaseChange(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	fx := openLobby(t, h, "Alice", "Bob", "Carol")
	if w := do(t, h, http.MethodPost, "/sessions/"+fx.session.ID+"/start", nil, fx.token); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		ts.URL+"/sessions/"+fx.session.ID+"/events?hostToken="+fx.token, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	waitFor := func(event string) string {
		t.Helper()
		for lines.Scan() {
			if lines.Text() != "event: "+event {
				continue
			}
			if !lines.Scan() {
				break
			}
			return strings.TrimPrefix(lines.Text(), "data: ")
		}
		t.Fatalf("stream ended before %s: %v", event, lines.Err())
		return ""
	}

	var first rosterFrame
	if err := json.Unmarshal([]byte(waitFor(frameRoster)), &first); err != nil {
		t.Fatalf("decode roster frame: %v", err)
	}
	if len(first.Payload.Players) != 4 {
		t.Fatalf("expected 4 players in roster, got %d", len(first.Payload.Players))
	}

	if w := do(t, h, http.MethodPut, "/sessions/"+fx.session.ID+"/phase", map[string]string{"phase": "voting"}, fx.token); w.Code != http.StatusOK {
		t.Fatalf("phase: %d %s", w.Code, w.Body.String())
	}
	e, err := game.UnmarshalEvent([]byte(waitFor(string(game.EventPhaseChanged))))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if pc, ok := e.(game.PhaseChanged); !ok || pc.Phase != game.PhaseVoting {
		t.Fatalf("expected PhaseChanged to voting, got %#v", e)
	}
}

func TestWebsocketRedactsOtherRoles(t *testing.T) {
	srv := newTestServer(t)
	h := srv.Handler()
	ts := httptest.NewServer(h)
	defer ts.Close()

	fx := openLobby(t, h, "Alice", "Bob", "Carol")
	if w := do(t, h, http.MethodPost, "/sessions/"+fx.session.ID+"/start", nil, fx.token); w.Code != http.StatusOK {
		t.Fatalf("start: %d %s", w.Code, w.Body.String())
	}

	bob := fx.players[1].ID
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + fx.session.ID + "?player=" + bob
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame rosterFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read roster: %v", err)
	}
	if frame.Type != frameRoster {
		t.Fatalf("expected first frame to be a roster, got %s", frame.Type)
	}
	for _, p := range frame.Payload.Players {
		if p.ID == bob && p.Role == game.RoleUnset {
			t.Fatalf("expected the viewer to see their own role")
		}
		if p.ID != bob && p.Role != game.RoleUnset {
			t.Fatalf("expected %s's role hidden from the viewer", p.DisplayName)
		}
	}
}

func TestWebsocketUnknownSession(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %+v", resp)
	}
}
