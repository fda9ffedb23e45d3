package game

import (
	"math/rand/v2"
	"strconv"
)

// MinPlayers is the smallest roster that can be dealt roles.
const MinPlayers = 3

// Distribution holds the number of players per role archetype.
type Distribution struct {
	Employee  int `json:"employee"`
	Rogue     int `json:"rogue"`
	Auditor   int `json:"auditor"`
	Protector int `json:"protector"`
}

// Total returns the number of roles in the distribution.
func (d Distribution) Total() int {
	return d.Employee + d.Rogue + d.Auditor + d.Protector
}

// hand-tuned balance points for small tables
var distributionTable = map[int]Distribution{
	3: {Employee: 2, Rogue: 1},
	4: {Employee: 2, Rogue: 1, Auditor: 1},
	5: {Employee: 3, Rogue: 1, Auditor: 1},
	6: {Employee: 3, Rogue: 2, Auditor: 1},
	7: {Employee: 4, Rogue: 2, Auditor: 1},
	8: {Employee: 4, Rogue: 2, Auditor: 1, Protector: 1},
}

// Distribute maps a roster size to role counts. The result depends only on n.
func Distribute(n int) (Distribution, error) {
	if n < MinPlayers {
		return Distribution{}, WithMetadata(CodeConfiguration,
			"minimum 3 players required to start a game",
			map[string]string{"players": strconv.Itoa(n)})
	}
	if d, ok := distributionTable[n]; ok {
		return d, nil
	}

	rogue := n / 3
	special := min(2, n/4)
	d := Distribution{Rogue: rogue}
	if special >= 1 {
		d.Auditor = 1
	}
	if special >= 2 {
		d.Protector = 1
	}
	d.Employee = n - d.Rogue - d.Auditor - d.Protector
	return d, nil
}

// Labels flattens d into one role label per player, employees first.
func (d Distribution) Labels() []Role {
	labels := make([]Role, 0, d.Total())
	for range d.Employee {
		labels = append(labels, RoleEmployee)
	}
	for range d.Rogue {
		labels = append(labels, RoleRogue)
	}
	for range d.Auditor {
		labels = append(labels, RoleAuditor)
	}
	for range d.Protector {
		labels = append(labels, RoleProtector)
	}
	return labels
}

// Remaining subtracts already dealt roles from d. Roles beyond what d allows are ignored.
func (d Distribution) Remaining(dealt []Role) Distribution {
	for _, r := range dealt {
		switch r {
		case RoleEmployee:
			d.Employee = max(0, d.Employee-1)
		case RoleRogue:
			d.Rogue = max(0, d.Rogue-1)
		case RoleAuditor:
			d.Auditor = max(0, d.Auditor-1)
		case RoleProtector:
			d.Protector = max(0, d.Protector-1)
		}
	}
	return d
}

// Shuffle applies a Fisher-Yates permutation to labels in place.
func Shuffle(labels []Role, rng *rand.Rand) {
	for i := len(labels) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		labels[i], labels[j] = labels[j], labels[i]
	}
}

// CountRoles tallies assigned roles among players.
func CountRoles(players []Player) Distribution {
	var d Distribution
	for _, p := range players {
		switch p.Role {
		case RoleEmployee:
			d.Employee++
		case RoleRogue:
			d.Rogue++
		case RoleAuditor:
			d.Auditor++
		case RoleProtector:
			d.Protector++
		}
	}
	return d
}
