// Package notify is the lifecycle notification bus: fire-and-forget typed
// event dispatch from the extension service to host application listeners,
// with in-memory and Redis backed delivery.
package notify

import "github.com/hostbridge/extmgr/extension"

// EventType names a lifecycle notification.
type EventType string

const (
	// EventExtensionLoaded fires when an extension enters the enabled list.
	EventExtensionLoaded EventType = "extension.loaded"
	// EventExtensionUnloaded fires when an enabled extension is removed.
	EventExtensionUnloaded EventType = "extension.unloaded"
	// EventExtensionUnloadedDisabled fires when a disabled extension is
	// removed.
	EventExtensionUnloadedDisabled EventType = "extension.unloaded_disabled"
	// EventExtensionInstalled fires after install metadata is persisted for
	// a regular extension.
	EventExtensionInstalled EventType = "extension.installed"
	// EventThemeInstalled fires after install metadata is persisted for a
	// theme bundle.
	EventThemeInstalled EventType = "extension.theme_installed"
	// EventExtensionUpdateDisabled fires when an updated extension lands in
	// the disabled list instead of being enabled.
	EventExtensionUpdateDisabled EventType = "extension.update_disabled"
	// EventExtensionOverinstallError fires when a load carries a version no
	// newer than the registered one.
	EventExtensionOverinstallError EventType = "extension.overinstall_error"
	// EventExtensionInstallError fires when a bundle fails validation or
	// installation.
	EventExtensionInstallError EventType = "extension.install_error"
	// EventExtensionsReady fires once all installed extensions finished
	// loading at startup.
	EventExtensionsReady EventType = "extensions.ready"
	// EventExtensionProcessTerminated is published by the host when an
	// extension's execution process dies unexpectedly.
	EventExtensionProcessTerminated EventType = "extension.process_terminated"
	// EventBackgroundHostReady is published by the host when an extension's
	// background context finished loading.
	EventBackgroundHostReady EventType = "extension.background_host_ready"
)

// Event is a single lifecycle notification. Extension is populated for
// events about a live record and nil for purely diagnostic ones.
type Event struct {
	Type        EventType            `json:"type"`
	ExtensionID string               `json:"extension_id,omitempty"`
	Extension   *extension.Extension `json:"extension,omitempty"`
	// Message carries the human readable detail on error events.
	Message string `json:"message,omitempty"`
}
