package tenant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk tenant profile document.
type File struct {
	Default *Profile   `yaml:"default,omitempty"`
	Tenants []*Profile `yaml:"tenants"`
}

// LoadFile reads tenant profiles from a YAML file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tenant: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a tenant profile document.
// Profiles without an explicit active flag are treated as active.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tenant: parse profiles: %w", err)
	}

	var presence struct {
		Tenants []map[string]any `yaml:"tenants"`
	}
	if err := yaml.Unmarshal(data, &presence); err != nil {
		return nil, fmt.Errorf("tenant: parse profiles: %w", err)
	}

	for i, p := range f.Tenants {
		if i < len(presence.Tenants) {
			if _, set := presence.Tenants[i]["active"]; !set {
				p.Active = true
			}
		}
		if err := Validate(p); err != nil {
			return nil, err
		}
	}
	if f.Default != nil {
		f.Default.Active = true
		if f.Default.TenantID == "" {
			f.Default.TenantID = "default"
		}
		if err := Validate(f.Default); err != nil {
			return nil, err
		}
	}
	return &f, nil
}

// Apply publishes a parsed file into the registry.
func (r *Registry) Apply(f *File) error {
	if f.Default != nil {
		r.fallback.Store(f.Default.Clone())
	}
	return r.Replace(f.Tenants)
}

// Reload re-reads path and publishes its profiles.
func (r *Registry) Reload(path string) error {
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	return r.Apply(f)
}
