package compliance

import (
	"bytes"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed demo_activities.yaml
var demoActivities []byte

// SeedActivity is an activity in a seed file, linked to rules by name.
type SeedActivity struct {
	ActivityInput `yaml:",inline"`
	Rules         []string `yaml:"rules"`
}

// DemoSeed returns the built-in compliance codes.
func DemoSeed() ([]SeedActivity, error) {
	dec := yaml.NewDecoder(bytes.NewReader(demoActivities))
	dec.KnownFields(true)

	var f struct {
		Activities []SeedActivity `yaml:"activities"`
	}
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode compliance seed: %w", err)
	}
	return f.Activities, nil
}

// ApplySeed creates seeds in order, resolving rule names through ruleIDs.
// Names that do not resolve are skipped.
func ApplySeed(store *Store, seeds []SeedActivity, ruleIDs map[string]int64) ([]*Activity, error) {
	created := make([]*Activity, 0, len(seeds))
	for _, seed := range seeds {
		links := make([]int64, 0, len(seed.Rules))
		for _, name := range seed.Rules {
			if id, ok := ruleIDs[name]; ok {
				links = append(links, id)
			}
		}
		a, err := store.Create(seed.ActivityInput, links)
		if err != nil {
			return created, fmt.Errorf("seed activity %s: %w", seed.Code, err)
		}
		created = append(created, a)
	}
	return created, nil
}
