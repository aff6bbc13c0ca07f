package environment

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// catalogFile is the on-disk shape of a YAML environment catalog:
//
//	autoConnect: true
//	environments:
//	  - name: build box
//	    hostname: build.example.com
//	    username: deploy
type catalogFile struct {
	AutoConnect  *bool         `yaml:"autoConnect"`
	Environments []Environment `yaml:"environments"`
}

// LoadCatalogFile reads environments from a YAML file. Entries without an id
// get a fresh one.
func LoadCatalogFile(path string) ([]Environment, *bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read catalog: %w", err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	for i := range cf.Environments {
		if cf.Environments[i].ID == "" {
			cf.Environments[i].ID = NewID()
		}
		if cf.Environments[i].Name == "" {
			cf.Environments[i].Name = cf.Environments[i].HostAddress
		}
	}
	return cf.Environments, cf.AutoConnect, nil
}

// Merge appends catalog entries that are not already present. Entries match
// by id, or by host key when the catalog entry had no stable id.
func Merge(s Settings, catalog []Environment) (Settings, int) {
	out := s.Clone()
	byID := make(map[string]bool, len(out.Environments))
	byHost := make(map[string]bool, len(out.Environments))
	for _, e := range out.Environments {
		byID[e.ID] = true
		byHost[e.Host().Key()] = true
	}

	added := 0
	for _, e := range catalog {
		if byID[e.ID] || byHost[e.Host().Key()] {
			continue
		}
		out.Environments = append(out.Environments, e)
		byID[e.ID] = true
		byHost[e.Host().Key()] = true
		added++
	}
	return out, added
}

// NewID returns a fresh environment id.
func NewID() string {
	return uuid.NewString()
}
