package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/diag"
	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/installer"
	"github.com/hostbridge/extmgr/prefs"
	"github.com/hostbridge/extmgr/provider"
)

// dataDeleteTimeout bounds one origin data cleanup pass.
const dataDeleteTimeout = time.Minute

// LoadAllExtensions reads every installed extension named by infos from disk
// and reports the loadable ones as one batch. Extensions that fail to load
// are reported quietly and skipped; one broken extension never blocks the
// rest of the profile.
func (b *Backend) LoadAllExtensions(infos []*prefs.InstalledInfo) error {
	return b.queue.Post(func() {
		loaded := make([]*extension.Extension, 0, len(infos))
		for _, info := range infos {
			ext, err := loadInstalled(info)
			if err != nil {
				diag.GetReporter().ReportError(fmt.Sprintf("could not load extension %s from %s: %v", info.ID, info.Path, err), false)
				continue
			}
			loaded = append(loaded, ext)
		}
		log.Info().Int("count", len(loaded)).Int("registered", len(infos)).Msg("installed extensions loaded")
		b.cfg.Frontend.OnExtensionsLoaded(loaded)
		b.cfg.Frontend.OnLoadedInstalledExtensions()
	})
}

// loadInstalled rebuilds the record of one installed extension from its
// on-disk manifest, cross-checking it against what the preference store
// registered at install time.
func loadInstalled(info *prefs.InstalledInfo) (*extension.Extension, error) {
	manifest, err := extension.LoadManifest(info.Path)
	if err != nil {
		return nil, err
	}
	ext, err := extension.New(manifest, info.Path, info.Location)
	if err != nil {
		return nil, err
	}

	recorded, err := semver.NewVersion(info.Version)
	if err != nil {
		return nil, fmt.Errorf("corrupt registered version %q: %v", info.Version, err)
	}
	if !ext.Version.Equal(recorded) {
		return nil, fmt.Errorf("manifest version %s does not match registered version %s", ext.VersionString(), info.Version)
	}
	if manifest.Key != "" && ext.ID != info.ID {
		return nil, fmt.Errorf("manifest key resolves to id %s but extension is registered as %s", ext.ID, info.ID)
	}
	ext.ID = info.ID
	return ext, nil
}

// LoadSingleExtension loads one extension directory outside the managed
// tree, e.g. an unpacked development checkout or a reload target.
func (b *Backend) LoadSingleExtension(path string, location extension.Location, alertOnError bool) error {
	return b.queue.Post(func() {
		abs, err := filepath.Abs(path)
		if err != nil {
			diag.GetReporter().ReportError(fmt.Sprintf("could not resolve extension path %s: %v", path, err), alertOnError)
			return
		}
		manifest, err := extension.LoadManifest(abs)
		if err != nil {
			diag.GetReporter().ReportError(fmt.Sprintf("could not load extension from %s: %v", abs, err), alertOnError)
			return
		}
		ext, err := extension.New(manifest, abs, location)
		if err != nil {
			diag.GetReporter().ReportError(fmt.Sprintf("could not load extension from %s: %v", abs, err), alertOnError)
			return
		}
		log.Info().Str("id", ext.ID).Str("path", abs).Msg("extension loaded from directory")
		b.cfg.Frontend.OnExtensionsLoaded([]*extension.Extension{ext})
	})
}

// InstallExtension runs one install job and reports the outcome.
func (b *Backend) InstallExtension(job installer.Job) error {
	return b.queue.Post(func() {
		ext, err := b.cfg.Installer.Install(context.Background(), job)
		if err != nil {
			// Provider-driven installs fail quietly; nobody asked for them
			// interactively.
			alert := !job.Location.IsExternal()
			diag.GetReporter().ReportError(fmt.Sprintf("could not install extension from %s: %v", job.SourcePath, err), alert)
			b.cfg.Frontend.OnExtensionInstallError(job.ExpectedID, err)
			return
		}
		b.cfg.Frontend.OnExtensionInstalled(ext, job.AllowPrivilegeIncrease)
	})
}

// CheckForExternalUpdates asks every provider for its current registrations
// and forwards each one, skipping ids in the ignore set. The ignore set
// carries the killed tombstones, so an extension the user already threw out
// is not offered again.
func (b *Backend) CheckForExternalUpdates(ignoreIDs map[string]struct{}) error {
	return b.queue.Post(func() {
		ctx := context.Background()
		for location, p := range b.cfg.Providers {
			err := p.Visit(ctx, func(ctx context.Context, reg *provider.Registration) {
				log.Debug().Str("id", reg.ID).Str("version", reg.Version.String()).Stringer("location", reg.Location).Msg("external registration found")
				b.cfg.Frontend.OnExternalExtensionFound(reg.ID, reg.Version, reg.Path, reg.Location)
			}, ignoreIDs)
			if err != nil {
				log.Warn().Err(err).Stringer("location", location).Msg("external provider visit failed")
			}
		}
	})
}

// CheckExternalUninstall verifies that the provider serving location still
// claims id, and asks the frontend to uninstall when it does not. A check
// that cannot be completed keeps the extension; dropping one on a transient
// provider failure is worse than keeping it a cycle longer.
func (b *Backend) CheckExternalUninstall(id string, location extension.Location) error {
	return b.queue.Post(func() {
		p := b.cfg.Providers[location]
		if p == nil {
			log.Warn().Str("id", id).Stringer("location", location).Msg("no provider serves this location, skipping uninstall check")
			return
		}
		_, err := p.Lookup(context.Background(), id)
		switch {
		case err == nil:
			// Still claimed.
		case errors.Is(err, provider.ErrNotRegistered):
			log.Info().Str("id", id).Stringer("location", location).Msg("external authority no longer claims extension, uninstalling")
			b.cfg.Frontend.UninstallExtension(id, true)
		default:
			log.Warn().Err(err).Str("id", id).Msg("external uninstall check failed, keeping extension")
		}
	})
}

// DiscardBundle removes a bundle directory the service rejected, such as
// an update for an unknown extension or a mistyped theme install.
func (b *Backend) DiscardBundle(path string) error {
	return b.queue.Post(func() {
		if path == "" || path == string(filepath.Separator) {
			log.Error().Str("path", path).Msg("refusing to discard suspicious bundle path")
			return
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to discard bundle")
			return
		}
		log.Info().Str("path", path).Msg("rejected bundle discarded")
	})
}

// DeleteExtensionFiles removes an uninstalled extension's managed directory.
func (b *Backend) DeleteExtensionFiles(id string) error {
	return b.queue.Post(func() {
		if !extension.IsValidID(id) {
			log.Error().Str("id", id).Msg("refusing to delete files for invalid extension id")
			return
		}
		dir := filepath.Join(b.cfg.InstallDir, id)
		if err := os.RemoveAll(dir); err != nil {
			log.Warn().Err(err).Str("path", dir).Msg("failed to delete extension files")
			return
		}
		log.Info().Str("id", id).Str("path", dir).Msg("extension files deleted")
	})
}

// DeleteExtensionData clears origin data left behind by an uninstalled
// extension. A no-op when no deleter is configured.
func (b *Backend) DeleteExtensionData(origin string) error {
	return b.queue.Post(func() {
		if b.cfg.DataDeleter == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), dataDeleteTimeout)
		defer cancel()
		if err := b.cfg.DataDeleter.DeleteExtensionData(ctx, origin); err != nil {
			log.Warn().Err(err).Str("origin", origin).Msg("failed to delete extension data")
			return
		}
		log.Debug().Str("origin", origin).Msg("extension data deleted")
	})
}
