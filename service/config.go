package service

import (
	"errors"
	"time"

	"github.com/hostbridge/extmgr/backend"
	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/installer"
	"github.com/hostbridge/extmgr/notify"
	"github.com/hostbridge/extmgr/prefs"
	"github.com/hostbridge/extmgr/provider"
	"github.com/hostbridge/extmgr/updater"
)

// Router hooks one capability's event plumbing into the host application.
// Init runs on the control context the first time an enabled extension
// holding the capability registers, and never again for the life of the
// process.
type Router interface {
	Init()
}

// Debugger preserves developer-tools sessions across extension reloads.
type Debugger interface {
	// Detach disconnects any session attached to the extension and
	// returns a handle for later reattachment. attached is false when the
	// extension had no session.
	Detach(extensionID string) (session uint64, attached bool)

	// Reattach connects a previously detached session to the reloaded
	// extension once its background context is ready.
	Reattach(session uint64, extensionID string)
}

// Component describes an extension compiled into the host: its manifest
// JSON and the directory its resources live under.
type Component struct {
	ManifestJSON string
	RootDir      string
}

// Default gallery prefixes the download helpers match against.
const (
	DefaultGalleryURL     = "https://extensions.hostbridge.dev/"
	DefaultMiniGalleryURL = "https://mini.extensions.hostbridge.dev/"
)

// Config wires a Service.
type Config struct {
	// InstallDir is the root of the managed extension tree. Required.
	InstallDir string

	// Prefs persists per-extension state. Required.
	Prefs prefs.Store

	// Bus carries lifecycle notifications. When nil the service creates an
	// in-memory bus and closes it on Close.
	Bus notify.Bus

	// Installer places bundles into the managed tree. Defaults to a
	// DirInstaller rooted at InstallDir.
	Installer installer.Installer

	// Providers maps each external location to its registration authority.
	Providers map[extension.Location]provider.Provider

	// DataDeleter clears origin data on uninstall. Optional.
	DataDeleter backend.DataDeleter

	// Debugger preserves devtools sessions across reloads. Optional.
	Debugger Debugger

	// Routers maps API capability names, such as extension.PermissionTabs,
	// to the host collaborators routing their events.
	Routers map[string]Router

	// Components are the extensions compiled into the host. They register
	// before anything else loads.
	Components []Component

	// DisableExtensions turns the global extensions switch off. Themes,
	// unpacked loads, components and externally registered extensions
	// still load.
	DisableExtensions bool

	// DisableAutoupdate skips creating the update scheduler.
	DisableAutoupdate bool

	// UpdateFrequency overrides the scheduler's check interval.
	UpdateFrequency time.Duration

	// UpdateThrottle overrides the scheduler's check throttle, for hosts
	// sharing one Redis-backed throttle across processes.
	UpdateThrottle updater.Throttle

	// GalleryURL and MiniGalleryURL are the download prefixes the gallery
	// helpers match against. Defaults apply when empty.
	GalleryURL     string
	MiniGalleryURL string

	// QueueSize overrides both task queues' buffer sizes when positive.
	QueueSize int
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.InstallDir == "" {
		return errors.New("service: install directory is required")
	}
	if c.Prefs == nil {
		return errors.New("service: preference store is required")
	}
	return nil
}
