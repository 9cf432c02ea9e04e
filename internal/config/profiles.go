package config

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var profilesYAML []byte

// HeaderProfile is one user-agent/header identity used while fetching.
// The direct renderer rotates through them; the proxy fallback swaps
// one in per retry strategy.
type HeaderProfile struct {
	Name      string            `yaml:"name"`
	UserAgent string            `yaml:"user_agent"`
	Headers   map[string]string `yaml:"headers"`
}

type profileFile struct {
	Profiles []HeaderProfile `yaml:"profiles"`
}

// LoadHeaderProfiles parses the embedded profile set. The order is the
// rotation order; index 0 is the default direct-fetch identity.
func LoadHeaderProfiles() ([]HeaderProfile, error) {
	var f profileFile
	if err := yaml.Unmarshal(profilesYAML, &f); err != nil {
		return nil, fmt.Errorf("op=config.LoadHeaderProfiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("op=config.LoadHeaderProfiles: empty profile set")
	}
	return f.Profiles, nil
}
