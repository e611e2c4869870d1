package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the worker wiring.
const (
	KindRemote  = "remote"
	KindImageFX = "imagefx"
)

// ProviderSpec is one provider variant from the catalogue file. Entries for
// the same capability are tried in file order.
type ProviderSpec struct {
	Name          string      `yaml:"name"`
	Capability    string      `yaml:"capability"`
	Kind          string      `yaml:"kind"`
	Endpoint      string      `yaml:"endpoint"`
	APIKeyEnv     string      `yaml:"api_key_env"`
	MaxConcurrent int         `yaml:"max_concurrent"`
	Disabled      bool        `yaml:"disabled"`
	Pricing       PricingSpec `yaml:"pricing"`
}

// PricingSpec holds decimal strings so no precision is lost before the
// pricing model parses them.
type PricingSpec struct {
	UnitOption string `yaml:"unit_option"`
	Rate       string `yaml:"rate"`
	Minimum    string `yaml:"minimum"`
	Flat       string `yaml:"flat"`
}

// Catalogue is the top-level provider file.
type Catalogue struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// APIKey reads the provider's secret from the environment.
func (p ProviderSpec) APIKey() string {
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// LoadProviders reads and validates the catalogue at path.
func LoadProviders(path string) (Catalogue, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalogue{}, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders(raw)
}

// ParseProviders decodes a catalogue document.
func ParseProviders(raw []byte) (Catalogue, error) {
	var cat Catalogue
	if err := yaml.Unmarshal(raw, &cat); err != nil {
		return Catalogue{}, fmt.Errorf("decode providers: %w", err)
	}
	seen := make(map[string]bool, len(cat.Providers))
	for i := range cat.Providers {
		p := &cat.Providers[i]
		if p.Name == "" || p.Capability == "" {
			return Catalogue{}, fmt.Errorf("provider %d: name and capability are required", i)
		}
		if seen[p.Name] {
			return Catalogue{}, fmt.Errorf("provider %s: duplicate name", p.Name)
		}
		seen[p.Name] = true
		if p.Kind == "" {
			p.Kind = KindRemote
		}
		switch p.Kind {
		case KindRemote:
			if p.Endpoint == "" {
				return Catalogue{}, fmt.Errorf("provider %s: endpoint is required for remote providers", p.Name)
			}
		case KindImageFX:
		default:
			return Catalogue{}, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
		if p.MaxConcurrent <= 0 {
			p.MaxConcurrent = 4
		}
	}
	return cat, nil
}
