package game

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names a domain event on the wire.
type EventKind string

const (
	EventPlayerJoined     EventKind = "PlayerJoined"
	EventSessionStarted   EventKind = "SessionStarted"
	EventRoleAssigned     EventKind = "RoleAssigned"
	EventPhaseChanged     EventKind = "PhaseChanged"
	EventPlayerEliminated EventKind = "PlayerEliminated"
	EventPlayerRevived    EventKind = "PlayerRevived"
	EventSessionEnded     EventKind = "SessionEnded"
)

// EndReason records why a session was completed.
type EndReason string

const (
	EndManual       EndReason = "manual"
	EndEmployeesWin EndReason = "employees_win"
	EndRogueWin     EndReason = "rogue_win"
)

// Winner returns the side credited by r.
func (r EndReason) Winner() Winner {
	switch r {
	case EndEmployeesWin:
		return WinnerEmployees
	case EndRogueWin:
		return WinnerRogue
	default:
		return WinnerNone
	}
}

// EndReasonFor maps a decided winner to the matching reason.
func EndReasonFor(w Winner) EndReason {
	switch w {
	case WinnerEmployees:
		return EndEmployeesWin
	case WinnerRogue:
		return EndRogueWin
	default:
		return EndManual
	}
}

// Event is the closed set of domain events emitted by the lifecycle manager.
type Event interface {
	Kind() EventKind
	Session() string
	OccurredAt() time.Time
	sealed()
}

type PlayerJoined struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	Player    Player    `json:"player"`
}

type SessionStarted struct {
	SessionID    string       `json:"sessionId"`
	At           time.Time    `json:"at"`
	Phase        Phase        `json:"phase"`
	Distribution Distribution `json:"distribution"`
}

// RoleAssigned is private to the player concerned and the host.
type RoleAssigned struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	PlayerID  string    `json:"playerId"`
	Role      Role      `json:"role"`
}

type PhaseChanged struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	Phase     Phase     `json:"phase"`
}

type PlayerEliminated struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	PlayerID  string    `json:"playerId"`
}

type PlayerRevived struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	PlayerID  string    `json:"playerId"`
}

type SessionEnded struct {
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`
	Reason    EndReason `json:"reason"`
	Winner    Winner    `json:"winner"`
}

func (PlayerJoined) Kind() EventKind     { return EventPlayerJoined }
func (SessionStarted) Kind() EventKind   { return EventSessionStarted }
func (RoleAssigned) Kind() EventKind     { return EventRoleAssigned }
func (PhaseChanged) Kind() EventKind     { return EventPhaseChanged }
func (PlayerEliminated) Kind() EventKind { return EventPlayerEliminated }
func (PlayerRevived) Kind() EventKind    { return EventPlayerRevived }
func (SessionEnded) Kind() EventKind     { return EventSessionEnded }

func (e PlayerJoined) Session() string     { return e.SessionID }
func (e SessionStarted) Session() string   { return e.SessionID }
func (e RoleAssigned) Session() string     { return e.SessionID }
func (e PhaseChanged) Session() string     { return e.SessionID }
func (e PlayerEliminated) Session() string { return e.SessionID }
func (e PlayerRevived) Session() string    { return e.SessionID }
func (e SessionEnded) Session() string     { return e.SessionID }

func (e PlayerJoined) OccurredAt() time.Time     { return e.At }
func (e SessionStarted) OccurredAt() time.Time   { return e.At }
func (e RoleAssigned) OccurredAt() time.Time     { return e.At }
func (e PhaseChanged) OccurredAt() time.Time     { return e.At }
func (e PlayerEliminated) OccurredAt() time.Time { return e.At }
func (e PlayerRevived) OccurredAt() time.Time    { return e.At }
func (e SessionEnded) OccurredAt() time.Time     { return e.At }

func (PlayerJoined) sealed()     {}
func (SessionStarted) sealed()   {}
func (RoleAssigned) sealed()     {}
func (PhaseChanged) sealed()     {}
func (PlayerEliminated) sealed() {}
func (PlayerRevived) sealed()    {}
func (SessionEnded) sealed()     {}

type envelope struct {
	Type      EventKind       `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalEvent encodes e as {"type", "sessionId", "payload"}.
func MarshalEvent(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Kind(), err)
	}
	return json.Marshal(envelope{Type: e.Kind(), SessionID: e.Session(), Payload: payload})
}

// UnmarshalEvent decodes an envelope produced by MarshalEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event envelope: %w", err)
	}

	var ev Event
	var err error
	switch env.Type {
	case EventPlayerJoined:
		ev, err = decodePayload[PlayerJoined](env.Payload)
	case EventSessionStarted:
		ev, err = decodePayload[SessionStarted](env.Payload)
	case EventRoleAssigned:
		ev, err = decodePayload[RoleAssigned](env.Payload)
	case EventPhaseChanged:
		ev, err = decodePayload[PhaseChanged](env.Payload)
	case EventPlayerEliminated:
		ev, err = decodePayload[PlayerEliminated](env.Payload)
	case EventPlayerRevived:
		ev, err = decodePayload[PlayerRevived](env.Payload)
	case EventSessionEnded:
		ev, err = decodePayload[SessionEnded](env.Payload)
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", env.Type, err)
	}
	return ev, nil
}

func decodePayload[T Event](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

// VisibleTo reports whether a stream viewer may see e. Role assignments are
// only shown to the host and to the player holding the role.
func VisibleTo(e Event, viewerPlayerID string, isHost bool) bool {
	ra, ok := e.(RoleAssigned)
	if !ok || isHost {
		return true
	}
	return viewerPlayerID != "" && ra.PlayerID == viewerPlayerID
}

// RedactRoles hides roles the viewer may not see. Hosts see everything, and
// every role is revealed once the session is over.
func RedactRoles(players []Player, viewerPlayerID string, isHost bool, status Status) []Player {
	out := make([]Player, len(players))
	copy(out, players)
	if isHost || status.Terminal() {
		return out
	}
	for i := range out {
		if out[i].ID != viewerPlayerID {
			out[i].Role = RoleUnset
		}
	}
	return out
}
