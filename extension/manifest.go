package extension

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestFilename is the manifest file every extension bundle must carry at
// its root.
const ManifestFilename = "manifest.json"

// Manifest is the parsed content of an extension manifest. Only the fields
// the lifecycle manager consumes are modeled; unknown fields are ignored.
type Manifest struct {
	Name                    string            `json:"name" yaml:"name"`
	Version                 string            `json:"version" yaml:"version"`
	Description             string            `json:"description,omitempty" yaml:"description,omitempty"`
	Key                     string            `json:"key,omitempty" yaml:"key,omitempty"`
	UpdateURL               string            `json:"update_url,omitempty" yaml:"update_url,omitempty"`
	Permissions             []string          `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Theme                   map[string]any    `json:"theme,omitempty" yaml:"theme,omitempty"`
	URLOverrides            map[string]string `json:"url_overrides,omitempty" yaml:"url_overrides,omitempty"`
	ConvertedFromUserScript bool              `json:"converted_from_user_script,omitempty" yaml:"converted_from_user_script,omitempty"`
}

// IsTheme reports whether the manifest describes a theme bundle. The
// presence of the theme section is the marker, matching the install-time
// type arbitration.
func (m *Manifest) IsTheme() bool {
	return m.Theme != nil
}

func (m *Manifest) check() error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrManifestInvalid)
	}
	if m.Version == "" {
		return fmt.Errorf("%w: missing version", ErrManifestInvalid)
	}
	return nil
}

// ParseManifest decodes manifest JSON. Malformed JSON or missing required
// fields return ErrManifestInvalid.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadManifest reads and parses the manifest at the root of dir. A missing
// or unreadable file returns ErrManifestUnreadable.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestUnreadable, err)
	}
	return ParseManifest(data)
}
