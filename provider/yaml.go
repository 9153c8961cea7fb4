package provider

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/hostbridge/extmgr/extension"
)

// yamlEntry is one registration as written in the preference file.
type yamlEntry struct {
	Version string `yaml:"version"`
	Path    string `yaml:"path"`
}

// YAMLProvider reads registrations from a YAML file of the form:
//
//	<extension id>:
//	  version: 1.2.0
//	  path: /opt/extensions/foo
//
// The file is re-read on every Visit and Lookup, so administrators can edit
// it without restarting the host. A missing file means no registrations.
type YAMLProvider struct {
	path     string
	location extension.Location
}

// NewYAMLProvider creates a provider backed by the preference file at path.
func NewYAMLProvider(path string, location extension.Location) *YAMLProvider {
	return &YAMLProvider{path: path, location: location}
}

func (p *YAMLProvider) Location() extension.Location {
	return p.location
}

func (p *YAMLProvider) load() (map[string]*Registration, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*Registration{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("provider: read preference file: %w", err)
	}

	var entries map[string]yamlEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("provider: parse preference file: %w", err)
	}

	regs := make(map[string]*Registration, len(entries))
	for id, entry := range entries {
		id = extension.NormalizeID(id)
		if !extension.IsValidID(id) {
			log.Warn().Str("id", id).Str("file", p.path).Msg("skipping malformed extension id in preference file")
			continue
		}
		version, err := semver.NewVersion(entry.Version)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Str("version", entry.Version).Msg("skipping registration with invalid version")
			continue
		}
		if entry.Path == "" {
			log.Warn().Str("id", id).Msg("skipping registration without a path")
			continue
		}
		regs[id] = &Registration{
			ID:       id,
			Version:  version,
			Path:     entry.Path,
			Location: p.location,
		}
	}
	return regs, nil
}

func (p *YAMLProvider) Visit(ctx context.Context, visit Visitor, ignore map[string]struct{}) error {
	regs, err := p.load()
	if err != nil {
		return err
	}
	for id, reg := range regs {
		if _, skip := ignore[id]; skip {
			continue
		}
		visit(ctx, reg)
	}
	return nil
}

func (p *YAMLProvider) Lookup(ctx context.Context, id string) (*Registration, error) {
	regs, err := p.load()
	if err != nil {
		return nil, err
	}
	reg, ok := regs[extension.NormalizeID(id)]
	if !ok {
		return nil, ErrNotRegistered
	}
	return reg, nil
}

// Ensure YAMLProvider implements the Provider interface.
var _ Provider = (*YAMLProvider)(nil)
