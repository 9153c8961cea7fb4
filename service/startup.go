package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/notify"
	"github.com/hostbridge/extmgr/prefs"
)

// Init brings the service to steady state: component extensions register
// first, then every installed extension loads, then the external providers
// are consulted and the install tree swept. Load results stream in through
// the backend callbacks; WaitUntilReady observes completion.
func (s *Service) Init() error {
	return s.control.Do(context.Background(), func() {
		s.registerComponentExtensions()
		s.loadAllExtensions()
		s.checkForExternalUpdates()
		s.garbageCollect()
	})
}

func parseComponents(comps []Component) ([]*extension.Extension, error) {
	out := make([]*extension.Extension, 0, len(comps))
	for _, comp := range comps {
		manifest, err := extension.ParseManifest([]byte(comp.ManifestJSON))
		if err != nil {
			return nil, fmt.Errorf("service: component manifest: %w", err)
		}
		ext, err := extension.New(manifest, comp.RootDir, extension.LocationComponent)
		if err != nil {
			return nil, fmt.Errorf("service: component extension: %w", err)
		}
		out = append(out, ext)
	}
	return out, nil
}

// registerComponentExtensions admits the extensions compiled into the
// host. They never touch the install tree or the backend.
func (s *Service) registerComponentExtensions() {
	for _, ext := range s.components {
		log.Debug().Str("id", ext.ID).Str("name", ext.Name()).Msg("registering component extension")
		s.admitExtension(ext, true)
	}
}

// loadAllExtensions schedules the startup load of every installed
// extension. Versionless entries are skipped; externally registered ones
// get a provider uninstall check once the load batch has been processed.
func (s *Service) loadAllExtensions() {
	ctx, cancel := s.prefsCtx()
	infos, err := s.prefs.InstalledExtensions(ctx)
	cancel()
	if err != nil {
		log.Error().Err(err).Msg("could not read installed extensions, starting empty")
		infos = nil
	}

	loadable := make([]*prefs.InstalledInfo, 0, len(infos))
	var externals []*prefs.InstalledInfo
	for _, info := range infos {
		if info.Version == "" {
			log.Warn().Str("id", info.ID).Msg("installed extension has no version, skipping")
			continue
		}
		if info.Location.IsExternal() {
			externals = append(externals, info)
		}
		loadable = append(loadable, info)
	}

	if lerr := s.backend.LoadAllExtensions(loadable); lerr != nil {
		log.Warn().Err(lerr).Msg("startup load dropped")
	}
	// Queued after the load batch so an uninstall verdict can never race
	// ahead of the extension it concerns.
	for _, info := range externals {
		if cerr := s.backend.CheckExternalUninstall(info.ID, info.Location); cerr != nil {
			log.Warn().Err(cerr).Str("id", info.ID).Msg("external uninstall check dropped")
		}
	}
}

// admitLoaded routes one freshly loaded record. Records with no install
// entry persist through the install path first; known ones go straight to
// upgrade arbitration. Unpacked manifests re-read from disk refresh the
// stored copy.
func (s *Service) admitLoaded(ext *extension.Extension) {
	ctx, cancel := s.prefsCtx()
	_, err := s.prefs.InstalledExtension(ctx, ext.ID)
	cancel()
	switch {
	case errors.Is(err, prefs.ErrNotFound):
		s.finishInstall(ext, true)
		return
	case err != nil:
		log.Warn().Err(err).Str("id", ext.ID).Msg("could not check install record, admitting without persistence")
	case ext.Location == extension.LocationUnpacked:
		uctx, ucancel := s.prefsCtx()
		if uerr := s.prefs.UpdateManifest(uctx, ext); uerr != nil {
			log.Warn().Err(uerr).Str("id", ext.ID).Msg("failed to refresh stored manifest")
		}
		ucancel()
	}
	s.admitExtension(ext, false)
}

// finishStartupLoad marks the service ready, starts the update scheduler
// and the provider watchers, and announces readiness.
func (s *Service) finishStartupLoad() {
	s.readyMu.Lock()
	s.ready = true
	s.readyCond.Broadcast()
	s.readyMu.Unlock()

	if s.upd != nil {
		s.upd.Start()
	}
	s.startProviderWatches()
	s.publish(notify.Event{Type: notify.EventExtensionsReady})
	log.Info().Int("enabled", len(s.enabled)).Int("disabled", len(s.disabled)).Msg("extension service ready")
}

// startProviderWatches subscribes to change signals from every provider
// that can emit them, rechecking registrations when one fires.
func (s *Service) startProviderWatches() {
	s.watchOnce.Do(func() {
		for location, p := range s.cfg.Providers {
			w, ok := p.(interface {
				Watch(ctx context.Context) <-chan struct{}
			})
			if !ok {
				continue
			}
			ch := w.Watch(s.watchCtx)
			s.watchWg.Add(1)
			go func(location extension.Location, ch <-chan struct{}) {
				defer s.watchWg.Done()
				for range ch {
					log.Info().Stringer("location", location).Msg("external registrations changed, rechecking")
					if err := s.control.Do(s.watchCtx, s.checkForExternalUpdates); err != nil {
						return
					}
				}
			}(location, ch)
		}
	})
}

// LoadExtension loads an unpacked extension directory, as a developer
// iterating on a checkout would. The first load persists like an install,
// so later sessions pick the directory up automatically.
func (s *Service) LoadExtension(path string) {
	s.do(func() {
		if err := s.backend.LoadSingleExtension(path, extension.LocationUnpacked, true); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("load request dropped")
		}
	})
}

// CheckForExternalUpdates asks every configured provider for its current
// registrations. Discovered extensions install asynchronously.
func (s *Service) CheckForExternalUpdates() {
	s.do(s.checkForExternalUpdates)
}

func (s *Service) checkForExternalUpdates() {
	ctx, cancel := s.prefsCtx()
	killed, err := s.prefs.KilledIDs(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("could not read killed extensions, checking without ignore set")
		killed = nil
	}
	ignore := make(map[string]struct{}, len(killed))
	for _, id := range killed {
		ignore[id] = struct{}{}
	}
	if cerr := s.backend.CheckForExternalUpdates(ignore); cerr != nil {
		log.Warn().Err(cerr).Msg("external update check dropped")
	}
}

// GarbageCollectExtensions sweeps the install tree, removing directories
// no installed extension claims.
func (s *Service) GarbageCollectExtensions() {
	s.do(s.garbageCollect)
}

func (s *Service) garbageCollect() {
	ctx, cancel := s.prefsCtx()
	infos, err := s.prefs.InstalledExtensions(ctx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("could not read installed extensions, skipping sweep")
		return
	}
	current := make(map[string]string, len(infos))
	for _, info := range infos {
		if info.Version == "" {
			continue
		}
		current[info.ID] = info.Version
	}
	if gerr := s.backend.GarbageCollect(current); gerr != nil {
		log.Warn().Err(gerr).Msg("garbage collection dropped")
	}
}

// UnloadAllExtensions drops every registered record at once. No unload
// notifications are emitted; hosts treat this as teardown, not a series of
// individual removals.
func (s *Service) UnloadAllExtensions() {
	s.do(s.unloadAll)
}

func (s *Service) unloadAll() {
	count := len(s.enabled) + len(s.disabled)
	s.enabled = nil
	s.disabled = nil
	s.overrides = make(map[string][]overrideEntry)
	s.refreshCrashSnapshot()
	if count > 0 {
		log.Info().Int("count", count).Msg("all extensions unloaded")
	}
}

// ReloadExtensions drops every record, re-registers the component
// extensions and reloads the installed set from the preference store.
func (s *Service) ReloadExtensions() {
	s.do(func() {
		s.unloadAll()
		s.registerComponentExtensions()
		s.loadAllExtensions()
	})
}
