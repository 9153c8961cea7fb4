// Package prefs persists per-extension state: enable state, install
// metadata, the blacklist, incognito access, escalation flags and ping
// bookkeeping. The lifecycle service owns all writes; hosts choose a
// backend (memory or Redis) matching their deployment.
package prefs

import (
	"context"
	"errors"
	"time"

	"github.com/hostbridge/extmgr/extension"
)

// ErrNotFound is returned for identifiers the store has never seen.
var ErrNotFound = errors.New("prefs: extension not found")

// InstalledInfo is the persisted description of one installed extension.
type InstalledInfo struct {
	ID          string              `json:"id"`
	Version     string              `json:"version"`
	Path        string              `json:"path"`
	Location    extension.Location  `json:"location"`
	Manifest    *extension.Manifest `json:"manifest"`
	InstallTime time.Time           `json:"install_time"`
}

// Store is the preference persistence interface.
type Store interface {
	// State returns the persisted enable state, ErrNotFound when the
	// identifier was never persisted. First installs default to enabled;
	// that defaulting is the caller's concern.
	State(ctx context.Context, id string) (extension.State, error)
	// SetState persists the enable state.
	SetState(ctx context.Context, id string, s extension.State) error

	// PermissionsEscalated reports whether an upgrade was parked pending
	// user re-approval of grown permissions.
	PermissionsEscalated(ctx context.Context, id string) (bool, error)
	// SetPermissionsEscalated persists the escalation flag.
	SetPermissionsEscalated(ctx context.Context, id string, v bool) error

	// OnExtensionInstalled persists install metadata and the initial
	// state, clearing any killed tombstone.
	OnExtensionInstalled(ctx context.Context, ext *extension.Extension, initialState extension.State) error
	// OnExtensionUninstalled removes the entry. A user-initiated
	// uninstall of an externally registered extension leaves a killed
	// tombstone instead so providers do not re-install it.
	OnExtensionUninstalled(ctx context.Context, id string, location extension.Location, externalUninstall bool) error
	// UpdateManifest refreshes the stored manifest for an installed
	// extension, such as after re-localization.
	UpdateManifest(ctx context.Context, ext *extension.Extension) error

	// InstalledExtensions lists every installed entry. Killed tombstones
	// are not installed entries and are excluded.
	InstalledExtensions(ctx context.Context) ([]*InstalledInfo, error)
	// InstalledExtension returns one entry, ErrNotFound when absent.
	InstalledExtension(ctx context.Context, id string) (*InstalledInfo, error)

	// UpdateBlacklist replaces the persisted blacklist set.
	UpdateBlacklist(ctx context.Context, ids []string) error
	// IsBlacklisted reports blacklist membership.
	IsBlacklisted(ctx context.Context, id string) (bool, error)

	// KilledIDs lists identifiers carrying a killed tombstone.
	KilledIDs(ctx context.Context) ([]string, error)

	// IsIncognitoEnabled reports the persisted incognito-access flag.
	IsIncognitoEnabled(ctx context.Context, id string) (bool, error)
	// SetIncognitoEnabled persists the incognito-access flag.
	SetIncognitoEnabled(ctx context.Context, id string, v bool) error

	// LastPingDay returns the day of the last update ping, zero when
	// never set.
	LastPingDay(ctx context.Context) (time.Time, error)
	// SetLastPingDay persists the day of the last update ping.
	SetLastPingDay(ctx context.Context, t time.Time) error
}
