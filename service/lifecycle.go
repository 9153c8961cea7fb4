package service

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/diag"
	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/installer"
	"github.com/hostbridge/extmgr/notify"
	"github.com/hostbridge/extmgr/prefs"
)

// routedCapabilities are the API permissions whose event routers start
// lazily, the first time an enabled extension holding one registers.
var routedCapabilities = []string{extension.PermissionTabs, extension.PermissionBookmarks}

// InstallExtension installs a packaged bundle from path. The install runs
// on the file queue; the outcome arrives as an installed or install-error
// event on the bus.
func (s *Service) InstallExtension(path string) {
	s.do(func() {
		job := installer.Job{
			SourcePath:             path,
			Location:               extension.LocationInternal,
			AllowPrivilegeIncrease: true,
			Silent:                 true,
		}
		if err := s.backend.InstallExtension(job); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("install request dropped")
		}
	})
}

// UpdateExtension installs a fetched update bundle for id. Updates for
// extensions that are neither pending nor installed are rejected with
// ErrUnknownUpdateID and the bundle is discarded, so a spoofed update can
// never introduce an extension nobody asked for.
func (s *Service) UpdateExtension(id, path, downloadURL string) error {
	id = extension.NormalizeID(id)
	var result error
	s.do(func() {
		pending, isPending := s.pending[id]
		if !isPending && s.lookupAny(id) == nil {
			log.Warn().Str("id", id).Msg("will not update extension, neither installed nor pending")
			if err := s.backend.DiscardBundle(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("bundle discard dropped")
			}
			result = ErrUnknownUpdateID
			return
		}

		// Only a pending entry that asked for a visible install makes the
		// update loud; updates of installed extensions are always silent.
		job := installer.Job{
			SourcePath:   path,
			ExpectedID:   id,
			OriginURL:    downloadURL,
			Location:     extension.LocationInternal,
			Silent:       !isPending || pending.InstallSilently,
			DeleteSource: true,
		}
		if err := s.backend.InstallExtension(job); err != nil {
			log.Warn().Err(err).Str("id", id).Msg("update request dropped")
			result = err
		}
	})
	return result
}

// AddPendingExtension records that id is expected to arrive through the
// update flow. A no-op when the extension is already installed.
func (s *Service) AddPendingExtension(id, updateURL string, version *semver.Version, isTheme, installSilently bool) {
	id = extension.NormalizeID(id)
	s.do(func() {
		if s.lookupAny(id) != nil {
			log.Debug().Str("id", id).Msg("extension already installed, not tracking as pending")
			return
		}
		s.pending[id] = &PendingExtension{
			ID:              id,
			UpdateURL:       updateURL,
			Version:         version,
			IsTheme:         isTheme,
			InstallSilently: installSilently,
		}
		log.Debug().Str("id", id).Str("update_url", updateURL).Bool("is_theme", isTheme).Msg("pending extension recorded")
	})
}

// PendingExtensions returns a snapshot of the pending entries.
func (s *Service) PendingExtensions() map[string]PendingExtension {
	var out map[string]PendingExtension
	s.do(func() {
		out = make(map[string]PendingExtension, len(s.pending))
		for id, p := range s.pending {
			out[id] = *p
		}
	})
	return out
}

// Extensions returns a snapshot of the enabled list in load order.
func (s *Service) Extensions() []*extension.Extension {
	var out []*extension.Extension
	s.do(func() {
		out = append(out, s.enabled...)
	})
	return out
}

// DisabledExtensions returns a snapshot of the disabled list in load order.
func (s *Service) DisabledExtensions() []*extension.Extension {
	var out []*extension.Extension
	s.do(func() {
		out = append(out, s.disabled...)
	})
	return out
}

// GetExtensionByID returns the registered record for id, nil when the
// extension is not registered. Disabled records are only consulted when
// includeDisabled is set.
func (s *Service) GetExtensionByID(id string, includeDisabled bool) *extension.Extension {
	id = extension.NormalizeID(id)
	var out *extension.Extension
	s.do(func() {
		out = s.lookupEnabled(id)
		if out == nil && includeDisabled {
			out = s.lookupDisabled(id)
		}
	})
	return out
}

// URLOverride returns the replacement URL for a host page, preferring the
// most recently registered claim.
func (s *Service) URLOverride(page string) (string, bool) {
	var url string
	var ok bool
	s.do(func() {
		if entries := s.overrides[page]; len(entries) > 0 {
			url, ok = entries[0].url, true
		}
	})
	return url, ok
}

// EnableExtension moves a disabled extension back to the enabled list,
// re-registering its URL overrides. Enabling an extension that is not
// disabled is reported and ignored.
func (s *Service) EnableExtension(id string) {
	id = extension.NormalizeID(id)
	s.do(func() {
		ext := s.lookupDisabled(id)
		if ext == nil {
			log.Error().Str("id", id).Msg("trying to enable an extension that is not disabled")
			return
		}

		ctx, cancel := s.prefsCtx()
		err := s.prefs.SetState(ctx, id, extension.StateEnabled)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("failed to persist enabled state")
			return
		}

		s.removeDisabled(id)
		s.enabled = append(s.enabled, ext)
		s.registerOverrides(ext)
		s.startRouters(ext)
		s.publish(notify.Event{Type: notify.EventExtensionLoaded, ExtensionID: id, Extension: ext})
		s.refreshCrashSnapshot()
		log.Info().Str("id", id).Msg("extension enabled")
	})
}

// DisableExtension moves an enabled extension to the disabled list,
// dropping its URL overrides. Disabling an unknown identifier is a no-op;
// the extension may simply be disabled already.
func (s *Service) DisableExtension(id string) {
	id = extension.NormalizeID(id)
	s.do(func() {
		ext := s.lookupEnabled(id)
		if ext == nil {
			log.Debug().Str("id", id).Msg("extension not enabled, nothing to disable")
			return
		}

		ctx, cancel := s.prefsCtx()
		err := s.prefs.SetState(ctx, id, extension.StateDisabled)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("failed to persist disabled state")
			return
		}

		s.removeEnabled(id)
		s.disabled = append(s.disabled, ext)
		s.unregisterOverrides(ext)
		s.publish(notify.Event{Type: notify.EventExtensionUnloaded, ExtensionID: id, Extension: ext})
		s.refreshCrashSnapshot()
		log.Info().Str("id", id).Msg("extension disabled")
	})
}

// UninstallExtension removes an installed extension: the record unloads,
// the uninstall persists, the managed files and the extension's origin data
// are deleted asynchronously. externalUninstall distinguishes host or
// provider driven removal from the user's own action; a user uninstall of
// an externally registered extension leaves the killed tombstone behind.
func (s *Service) UninstallExtension(id string, externalUninstall bool) {
	id = extension.NormalizeID(id)
	s.do(func() { s.uninstallExtension(id, externalUninstall) })
}

func (s *Service) uninstallExtension(id string, externalUninstall bool) {
	ext := s.lookupAny(id)
	if ext == nil {
		log.Warn().Str("id", id).Bool("external", externalUninstall).Msg("uninstall of unregistered extension, ignoring")
		return
	}

	// Unload frees the record, so capture what the cleanup needs first.
	origin := ext.Origin()
	location := ext.Location

	s.unloadExtension(id)

	ctx, cancel := s.prefsCtx()
	err := s.prefs.OnExtensionUninstalled(ctx, id, location, externalUninstall)
	cancel()
	if err != nil {
		log.Error().Err(err).Str("id", id).Msg("failed to persist uninstall")
	}

	if location != extension.LocationUnpacked {
		if derr := s.backend.DeleteExtensionFiles(id); derr != nil {
			log.Warn().Err(derr).Str("id", id).Msg("file deletion dropped")
		}
	}
	if derr := s.backend.DeleteExtensionData(origin); derr != nil {
		log.Warn().Err(derr).Str("origin", origin).Msg("data deletion dropped")
	}
	log.Info().Str("id", id).Bool("external", externalUninstall).Msg("extension uninstalled")
}

// ReloadExtension unloads and reloads one extension. A debugger session
// open against its background context is detached and remembered, to be
// reattached when the reloaded instance reports its background host ready.
func (s *Service) ReloadExtension(id string) {
	id = extension.NormalizeID(id)
	s.do(func() { s.reloadExtension(id) })
}

func (s *Service) reloadExtension(id string) {
	var path string
	if ext := s.lookupAny(id); ext != nil {
		if s.cfg.Debugger != nil {
			if session, attached := s.cfg.Debugger.Detach(id); attached {
				s.orphanedSessions[id] = session
				log.Debug().Str("id", id).Uint64("session", session).Msg("debugger session detached for reload")
			}
		}
		path = ext.Path
		s.unloadExtension(id)
	} else {
		// Not loaded, e.g. it crashed. Fall back to the remembered path.
		path = s.unloadedPaths[id]
	}

	ctx, cancel := s.prefsCtx()
	info, err := s.prefs.InstalledExtension(ctx, id)
	cancel()
	if err != nil && !errors.Is(err, prefs.ErrNotFound) {
		log.Warn().Err(err).Str("id", id).Msg("could not check install record, reloading from disk")
	}
	if err == nil && info.Manifest != nil {
		ext, nerr := extension.New(info.Manifest, info.Path, info.Location)
		if nerr != nil {
			diag.GetReporter().ReportError(fmt.Sprintf("could not reload extension %s from persisted manifest: %v", id, nerr), false)
			return
		}
		ext.ID = id
		s.admitExtension(ext, true)
		return
	}

	// We should always be able to remember the extension's path. If it is
	// not in the map, someone failed to update it on unload.
	if path == "" {
		panic(fmt.Sprintf("service: no remembered path for extension %s", id))
	}
	if lerr := s.backend.LoadSingleExtension(path, extension.LocationUnpacked, true); lerr != nil {
		log.Warn().Err(lerr).Str("id", id).Msg("reload dropped")
	}
}

// UpdateExtensionBlacklist replaces the persisted blacklist and unloads
// every registered extension the new set names.
func (s *Service) UpdateExtensionBlacklist(ids []string) {
	s.do(func() {
		valid := make([]string, 0, len(ids))
		set := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			id = extension.NormalizeID(id)
			if !extension.IsValidID(id) {
				log.Warn().Str("id", id).Msg("ignoring malformed blacklist entry")
				continue
			}
			valid = append(valid, id)
			set[id] = struct{}{}
		}

		ctx, cancel := s.prefsCtx()
		err := s.prefs.UpdateBlacklist(ctx, valid)
		cancel()
		if err != nil {
			log.Error().Err(err).Msg("failed to persist blacklist")
		}

		// Unloading mutates the lists being scanned, so collect first.
		var toRemove []string
		for _, ext := range s.enabled {
			if _, ok := set[ext.ID]; ok {
				toRemove = append(toRemove, ext.ID)
			}
		}
		for _, ext := range s.disabled {
			if _, ok := set[ext.ID]; ok {
				toRemove = append(toRemove, ext.ID)
			}
		}
		for _, id := range toRemove {
			log.Info().Str("id", id).Msg("unloading blacklisted extension")
			s.unloadExtension(id)
		}
	})
}

// finishInstall is the install-time arbitration point, entered from the
// backend once the installer placed a bundle. A pending entry whose theme
// flag contradicts the bundle rejects the install outright; that guards
// against a bundle swap where a non-theme payload masquerades as a pending
// theme request.
func (s *Service) finishInstall(ext *extension.Extension, allowPrivilegeIncrease bool) {
	pending, isPending := s.pending[ext.ID]
	if isPending && pending.IsTheme != ext.Theme {
		msg := fmt.Sprintf("not installing extension %s with is_theme=%v, the pending entry expected is_theme=%v",
			ext.ID, ext.Theme, pending.IsTheme)
		log.Warn().Str("id", ext.ID).Bool("is_theme", ext.Theme).Msg("pending entry type mismatch, rejecting install")
		diag.GetReporter().ReportError(msg, false)
		s.publish(notify.Event{Type: notify.EventExtensionInstallError, ExtensionID: ext.ID, Message: ErrThemeMismatch.Error()})
		if ext.Path != "" {
			if err := s.backend.DiscardBundle(ext.Path); err != nil {
				log.Warn().Err(err).Str("path", ext.Path).Msg("bundle discard dropped")
			}
		}
		return
	}

	// First installs default to enabled; upgrades keep the state the user
	// chose. A killed tombstone is cleared by a real install.
	initial := extension.StateEnabled
	ctx, cancel := s.prefsCtx()
	st, err := s.prefs.State(ctx, ext.ID)
	switch {
	case errors.Is(err, prefs.ErrNotFound):
	case err != nil:
		log.Warn().Err(err).Str("id", ext.ID).Msg("could not read persisted state, defaulting to enabled")
	case st == extension.StateKilled:
	default:
		initial = st
	}
	if perr := s.prefs.OnExtensionInstalled(ctx, ext, initial); perr != nil {
		log.Error().Err(perr).Str("id", ext.ID).Msg("failed to persist install metadata")
	}
	cancel()

	evType := notify.EventExtensionInstalled
	if ext.Theme {
		evType = notify.EventThemeInstalled
	}
	s.publish(notify.Event{Type: evType, ExtensionID: ext.ID, Extension: ext})
	log.Info().Str("id", ext.ID).Str("version", ext.VersionString()).Bool("is_theme", ext.Theme).Msg("extension installed")

	s.admitExtension(ext, allowPrivilegeIncrease)

	delete(s.pending, ext.ID)
}

// finishInstallError surfaces a failed install on the bus.
func (s *Service) finishInstallError(id string, err error) {
	s.publish(notify.Event{Type: notify.EventExtensionInstallError, ExtensionID: id, Message: err.Error()})
}

// admitExtension is the load-time arbitration point. It decides whether a
// freshly loaded record replaces, upgrades or is rejected against whatever
// is already registered under its identifier, and places the survivor into
// the enabled or disabled list per the persisted state.
func (s *Service) admitExtension(ext *extension.Extension, allowPrivilegeIncrease bool) {
	// The record is loaded again; the remembered path is stale now.
	delete(s.unloadedPaths, ext.ID)

	if !s.admissible(ext) {
		log.Debug().Str("id", ext.ID).Msg("extensions are disabled, not registering")
		return
	}

	if old := s.lookupAny(ext.ID); old != nil {
		if !ext.Version.GreaterThan(old.Version) {
			msg := fmt.Sprintf("duplicate extension load attempt: %s version %s is already registered at %s",
				ext.ID, ext.VersionString(), old.VersionString())
			log.Warn().Str("id", ext.ID).Str("version", ext.VersionString()).Str("registered", old.VersionString()).Msg("stale load rejected")
			diag.GetReporter().ReportError(msg, false)
			s.publish(notify.Event{Type: notify.EventExtensionOverinstallError, ExtensionID: ext.ID, Message: msg})
			return
		}

		allowSilentUpgrade := allowPrivilegeIncrease ||
			!extension.IsPrivilegeIncrease(old.Permissions, ext.Permissions)
		if allowSilentUpgrade {
			old.SetBeingUpgraded(true)
			ext.SetBeingUpgraded(true)
		}

		// Upgrading in place: the old record unloads, then the new one
		// continues through placement below.
		s.unloadExtension(old.ID)

		if !allowSilentUpgrade {
			// Permissions grew significantly. Park the upgrade disabled
			// until the user re-approves it.
			log.Warn().Str("id", ext.ID).Str("version", ext.VersionString()).Msg("upgrade escalates permissions, disabling pending re-approval")
			ctx, cancel := s.prefsCtx()
			if err := s.prefs.SetState(ctx, ext.ID, extension.StateDisabled); err != nil {
				log.Error().Err(err).Str("id", ext.ID).Msg("failed to persist disabled state")
			}
			if err := s.prefs.SetPermissionsEscalated(ctx, ext.ID, true); err != nil {
				log.Error().Err(err).Str("id", ext.ID).Msg("failed to persist escalation flag")
			}
			cancel()
		}
	}

	state := extension.StateEnabled
	ctx, cancel := s.prefsCtx()
	st, err := s.prefs.State(ctx, ext.ID)
	cancel()
	switch {
	case errors.Is(err, prefs.ErrNotFound):
	case err != nil:
		log.Warn().Err(err).Str("id", ext.ID).Msg("could not read persisted state, enabling")
	default:
		state = st
	}

	switch state {
	case extension.StateEnabled:
		s.enabled = append(s.enabled, ext)
		s.startRouters(ext)
		s.publish(notify.Event{Type: notify.EventExtensionLoaded, ExtensionID: ext.ID, Extension: ext})
		s.registerOverrides(ext)
		log.Info().Str("id", ext.ID).Str("version", ext.VersionString()).Msg("extension loaded")
	case extension.StateDisabled:
		s.disabled = append(s.disabled, ext)
		s.publish(notify.Event{Type: notify.EventExtensionUpdateDisabled, ExtensionID: ext.ID, Extension: ext})
		log.Info().Str("id", ext.ID).Str("version", ext.VersionString()).Msg("extension loaded into disabled list")
	default:
		panic(fmt.Sprintf("service: extension %s has unexpected persisted state %s", ext.ID, state))
	}

	ext.SetBeingUpgraded(false)
	s.refreshCrashSnapshot()
}

// admissible applies the global extensions switch. Themes, unpacked loads,
// component extensions and externally registered extensions load even when
// the switch is off.
func (s *Service) admissible(ext *extension.Extension) bool {
	return !s.cfg.DisableExtensions ||
		ext.Theme ||
		ext.Location == extension.LocationUnpacked ||
		ext.Location == extension.LocationComponent ||
		ext.Location.IsExternal()
}

// unloadExtension removes a record from whichever list holds it, remembers
// its path for a later reload and announces the removal. Unloading an
// unregistered identifier means the registries have diverged from what the
// caller believes; that is a programmer error, not a runtime condition.
func (s *Service) unloadExtension(id string) {
	ext := s.lookupAny(id)
	if ext == nil {
		panic(fmt.Sprintf("service: unload of unregistered extension %s", id))
	}

	// Keep enough to reload later even if the extension is not permanently
	// installed.
	if ext.Path != "" {
		s.unloadedPaths[id] = ext.Path
	}
	s.unregisterOverrides(ext)

	if s.lookupDisabled(id) != nil {
		s.removeDisabled(id)
		s.publish(notify.Event{Type: notify.EventExtensionUnloadedDisabled, ExtensionID: id, Extension: ext})
		log.Debug().Str("id", id).Msg("disabled extension unloaded")
		return
	}

	s.removeEnabled(id)
	s.publish(notify.Event{Type: notify.EventExtensionUnloaded, ExtensionID: id, Extension: ext})
	s.refreshCrashSnapshot()
	log.Debug().Str("id", id).Msg("extension unloaded")
}

// considerExternalExtension arbitrates one provider registration against
// the installed state. Only a strictly newer discovered version installs; a
// stale registration never downgrades what the user already has.
func (s *Service) considerExternalExtension(id string, version *semver.Version, path string, location extension.Location) {
	if existing := s.lookupAny(id); existing != nil {
		switch {
		case existing.Version.Equal(version):
			return
		case existing.Version.GreaterThan(version):
			msg := fmt.Sprintf("found external version %s of extension %s older than the installed %s, keeping the installed version",
				version, id, existing.VersionString())
			log.Warn().Str("id", id).Str("external", version.String()).Str("installed", existing.VersionString()).Msg("stale external registration rejected")
			diag.GetReporter().ReportError(msg, false)
			return
		}
	}

	job := installer.Job{
		SourcePath:             path,
		ExpectedID:             id,
		Location:               location,
		AllowPrivilegeIncrease: true,
		Silent:                 true,
	}
	if err := s.backend.InstallExtension(job); err != nil {
		log.Warn().Err(err).Str("id", id).Msg("external install dropped")
	}
}

func (s *Service) lookupEnabled(id string) *extension.Extension {
	for _, ext := range s.enabled {
		if ext.ID == id {
			return ext
		}
	}
	return nil
}

func (s *Service) lookupDisabled(id string) *extension.Extension {
	for _, ext := range s.disabled {
		if ext.ID == id {
			return ext
		}
	}
	return nil
}

func (s *Service) lookupAny(id string) *extension.Extension {
	if ext := s.lookupEnabled(id); ext != nil {
		return ext
	}
	return s.lookupDisabled(id)
}

func (s *Service) removeEnabled(id string) {
	for i, ext := range s.enabled {
		if ext.ID == id {
			s.enabled = append(s.enabled[:i], s.enabled[i+1:]...)
			return
		}
	}
}

func (s *Service) removeDisabled(id string) {
	for i, ext := range s.disabled {
		if ext.ID == id {
			s.disabled = append(s.disabled[:i], s.disabled[i+1:]...)
			return
		}
	}
}

// registerOverrides records the extension's URL override claims. The newest
// claim wins lookups; older claims resurface when it is withdrawn.
func (s *Service) registerOverrides(ext *extension.Extension) {
	for page, url := range ext.URLOverrides {
		s.overrides[page] = append([]overrideEntry{{extensionID: ext.ID, url: url}}, s.overrides[page]...)
	}
}

// unregisterOverrides withdraws the extension's URL override claims.
func (s *Service) unregisterOverrides(ext *extension.Extension) {
	for page := range ext.URLOverrides {
		entries := s.overrides[page]
		kept := entries[:0]
		for _, entry := range entries {
			if entry.extensionID != ext.ID {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(s.overrides, page)
			continue
		}
		s.overrides[page] = kept
	}
}

// startRouters initializes the event router for each routed capability the
// extension holds, at most once per process.
func (s *Service) startRouters(ext *extension.Extension) {
	for _, capability := range routedCapabilities {
		if !ext.Permissions.HasAPIPermission(capability) {
			continue
		}
		if _, started := s.startedRouters[capability]; started {
			continue
		}
		router := s.cfg.Routers[capability]
		if router == nil {
			continue
		}
		router.Init()
		s.startedRouters[capability] = struct{}{}
		log.Debug().Str("capability", capability).Msg("capability router started")
	}
}

// refreshCrashSnapshot hands the crash reporter the current enabled
// identifier set. Themes never execute, so they stay out of it.
func (s *Service) refreshCrashSnapshot() {
	ids := make([]string, 0, len(s.enabled))
	for _, ext := range s.enabled {
		if ext.Theme {
			continue
		}
		ids = append(ids, ext.ID)
	}
	diag.SetActiveExtensions(ids)
}
