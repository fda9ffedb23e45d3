package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"officemafia/internal/game"
	"officemafia/internal/presence"
)

const (
	keepaliveInterval = 25 * time.Second
	wsWriteTimeout    = 10 * time.Second
	wsPongWait        = 60 * time.Second

	frameRoster  = "Roster"
	frameDeleted = "SessionDeleted"
	framePing    = "Ping"
)

// errStreamClosed ends a stream whose session was purged.
var errStreamClosed = errors.New("session deleted")

type rosterFrame struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Seq       uint64         `json:"seq,omitempty"`
	Payload   rosterResponse `json:"payload"`
}

// emitFunc writes one frame. kind is the frame type, used as the SSE event name.
type emitFunc func(kind string, data []byte) error

// stream pushes roster snapshots and visible domain events for sess until ctx
// ends, the session is deleted, or emit fails.
func (s *Server) stream(ctx context.Context, sess game.Session, who viewer, emit emitFunc) error {
	logger := s.logger.With(slog.String("session_id", sess.ID), slog.String("viewer", who.playerID))

	events, cancel := s.events.Subscribe(sess.ID)
	defer cancel()

	sy, err := presence.Start(ctx, s.store, sess.ID, logger)
	if err != nil {
		return err
	}
	defer sy.Close()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case view, ok := <-sy.Updates():
			if !ok {
				return errStreamClosed
			}
			if view.Deleted {
				data, _ := json.Marshal(map[string]string{"type": frameDeleted, "sessionId": sess.ID})
				if err := emit(frameDeleted, data); err != nil {
					return err
				}
				return errStreamClosed
			}
			data, err := json.Marshal(rosterFrame{
				Type:      frameRoster,
				SessionID: sess.ID,
				Seq:       view.Seq,
				Payload:   s.viewRoster(view.Session, view.Players, who),
			})
			if err != nil {
				return fmt.Errorf("encode roster: %w", err)
			}
			if err := emit(frameRoster, data); err != nil {
				return err
			}
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !game.VisibleTo(e, who.playerID, who.isHost) {
				continue
			}
			data, err := game.MarshalEvent(e)
			if err != nil {
				logger.Warn("drop event", slog.String("kind", string(e.Kind())), slog.String("error", err.Error()))
				continue
			}
			if err := emit(string(e.Kind()), data); err != nil {
				return err
			}
		case <-keepalive.C:
			if err := emit(framePing, []byte(`{"type":"Ping"}`)); err != nil {
				return err
			}
		}
	}
}

// handleEvents streams a session over Server-Sent Events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	who := viewerFor(r, sess)

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("sse flush unsupported", slog.String("error", err.Error()))
		return
	}

	emit := func(kind string, data []byte) error {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data); err != nil {
			return err
		}
		return rc.Flush()
	}
	if err := s.stream(r.Context(), sess, who, emit); err != nil && !errors.Is(err, errStreamClosed) {
		s.logger.Debug("sse stream ended", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
}

// handleWebsocket streams a session over a WebSocket. Inbound messages are
// ignored; mutations go through the HTTP API.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	who := viewerFor(r, sess)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxBodyBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	emit := func(kind string, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if kind == framePing {
			return conn.WriteMessage(websocket.PingMessage, nil)
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	err = s.stream(ctx, sess, who, emit)
	closeCode, reason := websocket.CloseNormalClosure, ""
	if errors.Is(err, errStreamClosed) {
		closeCode, reason = websocket.CloseGoingAway, "session deleted"
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason), time.Now().Add(wsWriteTimeout))
}
