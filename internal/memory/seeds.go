package memory

import (
	"embed"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed seeds/personas.yaml
var seedFS embed.FS

type personaSeed struct {
	Profile     map[string]string `yaml:"profile"`
	Preferences []string          `yaml:"preferences"`
}

type personaSeedFile struct {
	Variants map[string]personaSeed `yaml:"variants"`
}

var (
	seedOnce sync.Once
	seeds    map[string]personaSeed
	seedErr  error
)

func loadSeeds() (map[string]personaSeed, error) {
	seedOnce.Do(func() {
		data, err := seedFS.ReadFile("seeds/personas.yaml")
		if err != nil {
			seedErr = err
			return
		}
		var file personaSeedFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			seedErr = fmt.Errorf("parse persona seeds: %w", err)
			return
		}
		seeds = file.Variants
	})
	return seeds, seedErr
}

// DefaultPersona builds the seeded profile for a user. The variant must
// be one of the four canonical roles.
func DefaultPersona(userID, variant string) (*Persona, error) {
	canonical, err := NormalizeVariant(variant)
	if err != nil {
		return nil, err
	}
	all, err := loadSeeds()
	if err != nil {
		return nil, err
	}
	seed, ok := all[canonical]
	if !ok {
		return nil, fmt.Errorf("no seed profile for variant %q", canonical)
	}
	profile := make(map[string]string, len(seed.Profile))
	for k, v := range seed.Profile {
		profile[k] = v
	}
	prefs := make([]string, len(seed.Preferences))
	copy(prefs, seed.Preferences)
	now := time.Now().UTC()
	return &Persona{
		UserID:      userID,
		Variant:     canonical,
		Profile:     profile,
		Preferences: prefs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}
