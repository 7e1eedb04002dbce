package settings

import (
	"bytes"
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed demo_settings.yaml
var demoSettings []byte

// DemoSeed returns the built-in settings.
func DemoSeed() ([]SettingInput, error) {
	dec := yaml.NewDecoder(bytes.NewReader(demoSettings))
	dec.KnownFields(true)

	var f struct {
		Settings []SettingInput `yaml:"settings"`
	}
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode settings seed: %w", err)
	}
	return f.Settings, nil
}

// ApplySeed creates seeds in order. Keys that are already set are kept as they are.
func ApplySeed(store *Store, seeds []SettingInput) (int, error) {
	created := 0
	for _, in := range seeds {
		if _, err := store.Get(in.Key); err == nil {
			continue
		}
		if _, err := store.Create(in); err != nil {
			return created, fmt.Errorf("seed setting %s: %w", in.Key, err)
		}
		created++
	}
	return created, nil
}
