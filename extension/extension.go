// Package extension defines the in-memory representation of an installed
// extension: its identity, version, install location, parsed manifest and
// declared capabilities.
package extension

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Predefined errors for manifest and record construction failures.
var (
	ErrManifestUnreadable = errors.New("extension: manifest is unreadable")
	ErrManifestInvalid    = errors.New("extension: manifest is invalid")
	ErrInvalidID          = errors.New("extension: invalid extension id")
)

// State is the persisted enable state of an extension.
type State int

const (
	// StateDisabled marks an installed extension the user has switched off.
	StateDisabled State = iota
	// StateEnabled marks an installed extension that loads on startup.
	StateEnabled
	// StateKilled marks an externally registered extension the user
	// uninstalled. The tombstone keeps external providers from silently
	// re-installing it.
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateEnabled:
		return "enabled"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Location describes how an extension arrived on the machine.
type Location int

const (
	// LocationInvalid is the zero value and never valid on a record.
	LocationInvalid Location = iota
	// LocationInternal is a standard install from a packaged bundle.
	LocationInternal
	// LocationExternalPref is an extension registered through an external
	// preferences file.
	LocationExternalPref
	// LocationExternalRegistry is an extension registered through the
	// platform registry.
	LocationExternalRegistry
	// LocationUnpacked is a directory the user loaded directly, without
	// a permanent install.
	LocationUnpacked
	// LocationComponent is an extension compiled into the host.
	LocationComponent
)

func (l Location) String() string {
	switch l {
	case LocationInternal:
		return "internal"
	case LocationExternalPref:
		return "external-pref"
	case LocationExternalRegistry:
		return "external-registry"
	case LocationUnpacked:
		return "unpacked"
	case LocationComponent:
		return "component"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}

// IsExternal reports whether the location is managed by an external
// provider rather than a user action.
func (l Location) IsExternal() bool {
	return l == LocationExternalPref || l == LocationExternalRegistry
}

// OriginScheme prefixes every extension origin URL.
const OriginScheme = "ext"

// Extension is a loaded extension record. A record is owned by exactly one
// registry list at a time; it is built once from a validated manifest and
// not mutated afterwards, except for the transient upgrade marker.
type Extension struct {
	// ID is the normalized 32 character identifier.
	ID string
	// Path is the on-disk root of the extension, empty for records
	// rebuilt purely from persisted manifests.
	Path string
	// Location records how the extension was installed.
	Location Location
	// Version is the parsed manifest version.
	Version *semver.Version
	// Manifest is the parsed manifest the record was built from.
	Manifest *Manifest
	// Permissions is the declared capability set.
	Permissions *PermissionSet
	// Theme is set when the bundle is a theme rather than a regular
	// extension.
	Theme bool
	// ConvertedFromUserScript is set for extensions synthesized from a
	// standalone user script.
	ConvertedFromUserScript bool
	// URLOverrides maps host page names to replacement URLs.
	URLOverrides map[string]string

	beingUpgraded bool
}

// New builds a record from a parsed manifest. The identifier comes from the
// manifest key when present, otherwise it is derived from path. Returns
// ErrManifestInvalid when required fields are missing or malformed.
func New(manifest *Manifest, path string, location Location) (*Extension, error) {
	if manifest == nil {
		return nil, fmt.Errorf("%w: no manifest", ErrManifestInvalid)
	}
	if err := manifest.check(); err != nil {
		return nil, err
	}

	version, err := semver.NewVersion(manifest.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: bad version %q: %v", ErrManifestInvalid, manifest.Version, err)
	}

	var id string
	if manifest.Key != "" {
		var err error
		id, err = IDFromKey(manifest.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
		}
	} else {
		id = GenerateID(path)
	}

	overrides := make(map[string]string, len(manifest.URLOverrides))
	for page, url := range manifest.URLOverrides {
		overrides[page] = url
	}

	return &Extension{
		ID:                      id,
		Path:                    path,
		Location:                location,
		Version:                 version,
		Manifest:                manifest,
		Permissions:             NewPermissionSet(manifest.Permissions),
		Theme:                   manifest.IsTheme(),
		ConvertedFromUserScript: manifest.ConvertedFromUserScript,
		URLOverrides:            overrides,
	}, nil
}

// Name returns the manifest name.
func (e *Extension) Name() string {
	return e.Manifest.Name
}

// VersionString returns the manifest version as written.
func (e *Extension) VersionString() string {
	return e.Manifest.Version
}

// Origin returns the extension's origin URL, the key for any site data the
// extension stores.
func (e *Extension) Origin() string {
	return fmt.Sprintf("%s://%s/", OriginScheme, e.ID)
}

// BeingUpgraded reports the transient upgrade marker.
func (e *Extension) BeingUpgraded() bool {
	return e.beingUpgraded
}

// SetBeingUpgraded flags the record while an in-place upgrade replaces it.
func (e *Extension) SetBeingUpgraded(v bool) {
	e.beingUpgraded = v
}
