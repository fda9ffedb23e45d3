package server

import (
	"net/http"

	"github.com/dustin/go-humanize"

	"officemafia/internal/game"
	"officemafia/internal/lifecycle"
)

type createSessionRequest struct {
	// DisplayName, when set, also seats the host as a participant.
	DisplayName string `json:"displayName"`
}

type createSessionResponse struct {
	Session   game.Session `json:"session"`
	HostToken string       `json:"hostToken"`
	Host      *playerView  `json:"host,omitempty"`
}

type joinRequest struct {
	DisplayName string `json:"displayName"`
	AsHost      bool   `json:"asHost"`
}

type phaseRequest struct {
	Phase string `json:"phase"`
}

type endRequest struct {
	Reason game.EndReason `json:"reason"`
}

type playerView struct {
	game.Player
	JoinedAgo string `json:"joinedAgo"`
	Won       *bool  `json:"won,omitempty"`
}

type rosterResponse struct {
	Session game.Session `json:"session"`
	Players []playerView `json:"players"`
}

func (s *Server) viewPlayer(p game.Player, sess game.Session) playerView {
	v := playerView{Player: p, JoinedAgo: humanize.RelTime(p.JoinedAt, s.now(), "ago", "from now")}
	if sess.Status == game.StatusCompleted && sess.Winner.Decided() && !p.IsHost {
		won := p.Won(sess.Winner)
		v.Won = &won
	}
	return v
}

func (s *Server) viewRoster(sess game.Session, players []game.Player, who viewer) rosterResponse {
	visible := game.RedactRoles(players, who.playerID, who.isHost, sess.Status)
	out := make([]playerView, len(visible))
	for i, p := range visible {
		out[i] = s.viewPlayer(p, sess)
	}
	return rosterResponse{Session: sess, Players: out}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	// Validate before creating so a bad name leaves no empty lobby behind.
	if req.DisplayName != "" {
		if err := game.ValidateDisplayName(req.DisplayName); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
	}

	token := game.NewHostToken()
	sess, err := s.manager.CreateSession(r.Context(), token)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := createSessionResponse{Session: sess, HostToken: token}
	if req.DisplayName != "" {
		host, err := s.manager.JoinSession(r.Context(), sess.Code, req.DisplayName, lifecycle.AsHost(token))
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		v := s.viewPlayer(host, sess)
		resp.Host = &v
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleFindSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.FindSession(r.Context(), r.PathValue("code"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []lifecycle.JoinOption
	if req.AsHost {
		token := hostToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing host token")
			return
		}
		opts = append(opts, lifecycle.AsHost(token))
	}

	p, err := s.manager.JoinSession(r.Context(), r.PathValue("code"), req.DisplayName, opts...)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.viewPlayer(p, game.Session{}))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	players, err := s.manager.ListPlayers(r.Context(), sess.ID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.viewRoster(sess, players, viewerFor(r, sess)))
}

func (s *Server) handleWinner(w http.ResponseWriter, r *http.Request) {
	winner, err := s.manager.CurrentWinner(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"winner": winner, "decided": winner.Decided()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.StartSession(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	assigned, err := s.manager.ResumeRoleAssignment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assigned": len(assigned)})
}

func (s *Server) handlePhase(w http.ResponseWriter, r *http.Request) {
	var req phaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	phase, err := game.ParsePhase(req.Phase)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sess, err := s.manager.ChangePhase(r.Context(), r.PathValue("id"), phase)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	req := endRequest{Reason: game.EndManual}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Reason {
	case game.EndManual, game.EndEmployeesWin, game.EndRogueWin:
	default:
		writeError(w, http.StatusBadRequest, "unknown end reason")
		return
	}
	sess, err := s.manager.EndSession(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEliminate(w http.ResponseWriter, r *http.Request) {
	out, err := s.manager.EliminatePlayer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.RevivePlayer(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	sess, _ := sessionFromContext(r.Context())
	writeJSON(w, http.StatusOK, s.viewPlayer(p, sess))
}
