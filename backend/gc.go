package backend

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/extension"
)

// GarbageCollect sweeps the managed tree against the installed set, an
// id-to-current-version map. It removes directories for ids no longer
// installed, version directories other than the current one, and staging
// leftovers from interrupted installs. Unpacked extensions live outside the
// managed tree and are never touched.
func (b *Backend) GarbageCollect(installed map[string]string) error {
	return b.queue.Post(func() {
		b.garbageCollect(installed)
	})
}

func (b *Backend) garbageCollect(installed map[string]string) {
	entries, err := os.ReadDir(b.cfg.InstallDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		log.Warn().Err(err).Str("path", b.cfg.InstallDir).Msg("could not scan install directory for garbage collection")
		return
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(b.cfg.InstallDir, entry.Name())

		if !entry.IsDir() {
			if err := os.RemoveAll(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("could not remove stray file")
				continue
			}
			removed++
			log.Info().Str("path", path).Msg("removed stray file from install directory")
			continue
		}

		id := entry.Name()
		currentVersion, ok := installed[id]
		if !extension.IsValidID(id) || !ok {
			if err := os.RemoveAll(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("could not remove stray extension directory")
				continue
			}
			removed++
			log.Info().Str("path", path).Msg("removed stray extension directory")
			continue
		}

		removed += b.pruneVersions(path, currentVersion)
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("garbage collection swept install directory")
	}
}

// pruneVersions removes everything under an installed extension's directory
// except its current version directory.
func (b *Backend) pruneVersions(idDir, currentVersion string) int {
	entries, err := os.ReadDir(idDir)
	if err != nil {
		log.Warn().Err(err).Str("path", idDir).Msg("could not scan extension directory for garbage collection")
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() == currentVersion {
			continue
		}
		path := filepath.Join(idDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("could not remove stale version directory")
			continue
		}
		removed++
		log.Info().Str("path", path).Msg("removed stale version directory")
	}
	return removed
}
