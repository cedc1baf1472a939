package engine

type EffectKind string

const (
	EffectDamage EffectKind = "damage"
	EffectHeal   EffectKind = "heal"
	EffectStatus EffectKind = "status"
)

type Ability struct {
	ID          string     `yaml:"id"`
	Name        string     `yaml:"name"`
	Cost        int        `yaml:"cost"`
	Range       int        `yaml:"range"`
	Power       int        `yaml:"power"`
	Effect      EffectKind `yaml:"effect"`
	Status      StatusKind `yaml:"status"`
	StatusPower int        `yaml:"status_power"`
	Duration    int        `yaml:"duration"`
	MaxTargets  int        `yaml:"max_targets"`
}

// Hostile abilities may only target units of other participants;
// the rest only the caster's own side.
func (a Ability) Hostile() bool {
	return a.Effect == EffectDamage || a.Status == StatusPoison
}

func (a Ability) targetLimit() int {
	if a.MaxTargets <= 0 {
		return 1
	}
	return a.MaxTargets
}

type UnitTemplate struct {
	Name        string   `yaml:"name"`
	HP          int      `yaml:"hp"`
	Energy      int      `yaml:"energy"`
	Attack      int      `yaml:"attack"`
	Defense     int      `yaml:"defense"`
	MoveRange   int      `yaml:"move_range"`
	AttackRange int      `yaml:"attack_range"`
	Initiative  int      `yaml:"initiative"`
	Abilities   []string `yaml:"abilities"`
}

type Rules struct {
	BoardWidth      int                     `yaml:"board_width"`
	BoardHeight     int                     `yaml:"board_height"`
	EnergyRegen     int                     `yaml:"energy_regen"`
	DefaultTemplate string                  `yaml:"default_template"`
	Templates       map[string]UnitTemplate `yaml:"templates"`
	Abilities       map[string]Ability      `yaml:"abilities"`
}

func (r Rules) InBounds(p Position) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < r.BoardWidth && p.Y < r.BoardHeight
}

func DefaultRules() Rules {
	return Rules{
		BoardWidth:      12,
		BoardHeight:     12,
		EnergyRegen:     1,
		DefaultTemplate: "fighter",
		Templates: map[string]UnitTemplate{
			"fighter": {Name: "Fighter", HP: 30, Energy: 2, Attack: 8, Defense: 3, MoveRange: 4, AttackRange: 1, Initiative: 10, Abilities: []string{"cleave"}},
			"archer":  {Name: "Archer", HP: 20, Energy: 3, Attack: 6, Defense: 1, MoveRange: 5, AttackRange: 4, Initiative: 12, Abilities: []string{"poison_arrow"}},
			"cleric":  {Name: "Cleric", HP: 22, Energy: 5, Attack: 4, Defense: 2, MoveRange: 3, AttackRange: 1, Initiative: 6, Abilities: []string{"mend", "ward"}},
		},
		Abilities: map[string]Ability{
			"cleave":       {ID: "cleave", Name: "Cleave", Cost: 2, Range: 1, Power: 3, Effect: EffectDamage, MaxTargets: 2},
			"poison_arrow": {ID: "poison_arrow", Name: "Poison Arrow", Cost: 2, Range: 4, Power: 1, Effect: EffectDamage, Status: StatusPoison, StatusPower: 2, Duration: 3},
			"mend":         {ID: "mend", Name: "Mend", Cost: 2, Range: 3, Power: 8, Effect: EffectHeal, Status: StatusRegen, StatusPower: 2, Duration: 2},
			"ward":         {ID: "ward", Name: "Ward", Cost: 1, Range: 3, Effect: EffectStatus, Status: StatusShield, StatusPower: 3, Duration: 2},
		},
	}
}
