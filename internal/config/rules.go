package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tactics-sync/combat-sync/internal/engine"
)

// LoadRules reads a YAML rules file. Sections the file leaves out keep the
// built-in values.
func LoadRules(path string) (engine.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Rules{}, fmt.Errorf("read rules: %w", err)
	}
	var rules engine.Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return engine.Rules{}, fmt.Errorf("parse rules %s: %w", path, err)
	}

	def := engine.DefaultRules()
	if rules.BoardWidth == 0 {
		rules.BoardWidth = def.BoardWidth
	}
	if rules.BoardHeight == 0 {
		rules.BoardHeight = def.BoardHeight
	}
	if rules.EnergyRegen == 0 {
		rules.EnergyRegen = def.EnergyRegen
	}
	if len(rules.Templates) == 0 {
		rules.Templates = def.Templates
		if rules.DefaultTemplate == "" {
			rules.DefaultTemplate = def.DefaultTemplate
		}
	}
	if len(rules.Abilities) == 0 {
		rules.Abilities = def.Abilities
	}
	for id, ab := range rules.Abilities {
		if ab.ID == "" {
			ab.ID = id
			rules.Abilities[id] = ab
		}
	}

	if err := checkRules(rules); err != nil {
		return engine.Rules{}, fmt.Errorf("rules %s: %w", path, err)
	}
	return rules, nil
}

func checkRules(r engine.Rules) error {
	if r.BoardWidth < 2 || r.BoardHeight < 1 {
		return fmt.Errorf("board %dx%d is too small", r.BoardWidth, r.BoardHeight)
	}
	if _, ok := r.Templates[r.DefaultTemplate]; !ok {
		return fmt.Errorf("default template %q is not defined", r.DefaultTemplate)
	}
	for name, t := range r.Templates {
		if t.HP <= 0 {
			return fmt.Errorf("template %q needs positive hp", name)
		}
		for _, ab := range t.Abilities {
			if _, ok := r.Abilities[ab]; !ok {
				return fmt.Errorf("template %q uses unknown ability %q", name, ab)
			}
		}
	}
	for id, ab := range r.Abilities {
		switch ab.Effect {
		case engine.EffectDamage, engine.EffectHeal, engine.EffectStatus:
		default:
			return fmt.Errorf("ability %q has unknown effect %q", id, ab.Effect)
		}
	}
	return nil
}
