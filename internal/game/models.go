package game

import "time"

// Status is the lifecycle state of a session.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further transitions are accepted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusCompleted, StatusAbandoned:
		return true
	default:
		return false
	}
}

// Phase is a moderator-controlled sub-state of a running session.
type Phase string

const (
	PhaseLobby  Phase = "lobby"
	PhaseNight  Phase = "night"
	PhaseDay    Phase = "day"
	PhaseVoting Phase = "voting"
	PhaseEnd    Phase = "end"
)

// ParsePhase validates a phase name.
func ParsePhase(raw string) (Phase, error) {
	switch p := Phase(raw); p {
	case PhaseLobby, PhaseNight, PhaseDay, PhaseVoting, PhaseEnd:
		return p, nil
	default:
		return "", WithMetadata(CodeInvalidPhase, "unknown phase", map[string]string{"phase": raw})
	}
}

// Playable reports whether the host may move an in-progress session to p.
func (p Phase) Playable() bool {
	switch p {
	case PhaseNight, PhaseDay, PhaseVoting, PhaseEnd:
		return true
	default:
		return false
	}
}

// Role is the archetype dealt to a player at session start.
type Role string

const (
	RoleUnset     Role = ""
	RoleEmployee  Role = "employee"
	RoleRogue     Role = "rogue"
	RoleAuditor   Role = "auditor"
	RoleProtector Role = "protector"
)

// Valid reports whether r is an assignable role.
func (r Role) Valid() bool {
	switch r {
	case RoleEmployee, RoleRogue, RoleAuditor, RoleProtector:
		return true
	default:
		return false
	}
}

// Team groups roles by win condition.
type Team string

const (
	TeamNone      Team = ""
	TeamEmployees Team = "employees"
	TeamRogue     Team = "rogue"
)

// Team returns the side r plays for. Auditors and protectors side with employees.
func (r Role) Team() Team {
	switch r {
	case RoleRogue:
		return TeamRogue
	case RoleEmployee, RoleAuditor, RoleProtector:
		return TeamEmployees
	default:
		return TeamNone
	}
}

// Session is one game instance.
type Session struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	HostToken string    `json:"-"`
	Status    Status    `json:"status"`
	Phase     Phase     `json:"phase"`
	Winner    Winner    `json:"winner"`
	CreatedAt time.Time `json:"createdAt"`
}

// Player is a participant in exactly one session.
type Player struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	DisplayName string    `json:"displayName"`
	Role        Role      `json:"role,omitempty"`
	Alive       bool      `json:"alive"`
	JoinedAt    time.Time `json:"joinedAt"`
	IsHost      bool      `json:"isHost"`
	BonusScore  int       `json:"bonusScore"`
}

// Won reports whether p's team matches the winner.
func (p Player) Won(w Winner) bool {
	switch w {
	case WinnerEmployees:
		return p.Role.Team() == TeamEmployees
	case WinnerRogue:
		return p.Role.Team() == TeamRogue
	default:
		return false
	}
}

// Contestants returns the non-host players in join order.
func Contestants(players []Player) []Player {
	out := make([]Player, 0, len(players))
	for _, p := range players {
		if !p.IsHost {
			out = append(out, p)
		}
	}
	return out
}

// Unassigned returns the ids of contestants that have not been dealt a role.
func Unassigned(players []Player) []string {
	var ids []string
	for _, p := range players {
		if !p.IsHost && p.Role == RoleUnset {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
