package server

import (
	"errors"
	"log/slog"
	"net/http"

	"officemafia/internal/game"
)

type errorResponse struct {
	Error      string            `json:"error"`
	Code       game.Code         `json:"code,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Unassigned []string          `json:"unassigned,omitempty"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch game.CodeOf(err) {
	case game.CodeExpired:
		return http.StatusGone
	case game.CodeHostTokenMismatch:
		return http.StatusForbidden
	}
	switch game.KindOf(err) {
	case game.KindValidation:
		return http.StatusBadRequest
	case game.KindConflict:
		return http.StatusConflict
	case game.KindNotFound:
		return http.StatusNotFound
	case game.KindPartialAssignment:
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: game.CodeOf(err)}

	var pe *game.PartialAssignmentError
	var de *game.Error
	switch {
	case errors.As(err, &pe):
		resp.Error = game.ErrPartialAssignment.Message
		resp.Unassigned = pe.Unassigned
	case errors.As(err, &de):
		resp.Error = de.Message
		resp.Metadata = de.Metadata
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("kind", game.KindOf(err).String()),
			slog.String("error", err.Error()))
		if status == http.StatusServiceUnavailable {
			resp.Error = game.ErrStoreUnavailable.Message
			resp.Code = game.CodeStoreUnavailable
		}
	}
	writeJSON(w, status, resp)
}
