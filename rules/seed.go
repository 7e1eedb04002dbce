package rules

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

//go:embed demo_rules.yaml
var demoRules []byte

// SeedRule is a rule definition in a seed file. Dependencies are named rather
// than numbered, since ids are assigned on load.
type SeedRule struct {
	RuleInput `yaml:",inline"`
	DependsOn []string `yaml:"depends_on"`
}

type seedFile struct {
	Rules []SeedRule `yaml:"rules"`
}

// LoadSeed decodes a YAML seed file.
func LoadSeed(r io.Reader) ([]SeedRule, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f seedFile
	if err := dec.Decode(&f); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode seed file: %w", err)
	}
	return f.Rules, nil
}

// DemoSeed returns the built-in demo rule set.
func DemoSeed() ([]SeedRule, error) {
	return LoadSeed(bytes.NewReader(demoRules))
}

// ApplySeed creates seeds in file order. A depends_on entry must name a rule
// that appears earlier in the file.
func ApplySeed(store RuleStore, seeds []SeedRule) ([]*Rule, error) {
	byName := make(map[string]int64, len(seeds))
	created := make([]*Rule, 0, len(seeds))

	for i, seed := range seeds {
		in := seed.RuleInput
		in.DependencyIDs = make([]int64, 0, len(seed.DependsOn))
		for _, name := range seed.DependsOn {
			id, ok := byName[name]
			if !ok {
				return created, fmt.Errorf("%w: seed rule %d (%s) depends on unknown rule %q",
					ErrInvalidRule, i, seed.Name, name)
			}
			in.DependencyIDs = append(in.DependencyIDs, id)
		}
		if err := ValidateInput(in); err != nil {
			return created, fmt.Errorf("seed rule %d (%s): %w", i, seed.Name, err)
		}

		rule, err := store.Create(in)
		if err != nil {
			return created, fmt.Errorf("failed to create seed rule %s: %w", seed.Name, err)
		}
		byName[seed.Name] = rule.ID
		created = append(created, rule)
	}
	return created, nil
}
