package game

// Winner is the outcome of a win evaluation.
type Winner string

const (
	WinnerNone      Winner = ""
	WinnerEmployees Winner = "employees"
	WinnerRogue     Winner = "rogue"
)

// Decided reports whether the game has a winner.
func (w Winner) Decided() bool {
	return w == WinnerEmployees || w == WinnerRogue
}

// Evaluate decides the game from the living contestants. Host rows never count.
//
// Employees win once no rogue is alive and at least one player is. Rogues win
// at parity or better (rogueAlive >= otherAlive). The employee check runs first.
// Nothing is decided while any contestant, dead or alive, still lacks a role.
func Evaluate(players []Player) Winner {
	if len(Unassigned(players)) > 0 {
		return WinnerNone
	}
	var alive, rogueAlive int
	for _, p := range players {
		if p.IsHost || !p.Alive {
			continue
		}
		alive++
		if p.Role == RoleRogue {
			rogueAlive++
		}
	}
	otherAlive := alive - rogueAlive

	if rogueAlive == 0 && alive > 0 {
		return WinnerEmployees
	}
	if rogueAlive > 0 && rogueAlive >= otherAlive {
		return WinnerRogue
	}
	return WinnerNone
}
