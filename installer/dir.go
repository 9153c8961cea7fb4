package installer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/lock"
)

// DirInstaller installs unpacked bundle directories into the managed tree,
// one versioned directory per extension: <installDir>/<id>/<version>/.
//
// Bundles are staged next to their destination and moved into place with a
// rename, so a crash mid-copy never leaves a half-written version directory
// behind under a current version path.
type DirInstaller struct {
	installDir string
	opts       *Options
}

// NewDirInstaller creates an installer rooted at installDir.
func NewDirInstaller(installDir string, opts ...Option) *DirInstaller {
	return &DirInstaller{
		installDir: installDir,
		opts:       newOptions(opts...),
	}
}

func (d *DirInstaller) Install(ctx context.Context, job Job) (*extension.Extension, error) {
	data, err := os.ReadFile(filepath.Join(job.SourcePath, extension.ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extension.ErrManifestUnreadable, err)
	}
	if err := ValidateManifest(data); err != nil {
		return nil, err
	}
	manifest, err := extension.ParseManifest(data)
	if err != nil {
		return nil, err
	}

	ext, err := extension.New(manifest, job.SourcePath, job.Location)
	if err != nil {
		return nil, err
	}

	// A keyless bundle has no identity of its own; an update job supplies
	// the id the registry already knows it under.
	if manifest.Key == "" && job.ExpectedID != "" {
		if !extension.IsValidID(job.ExpectedID) {
			return nil, fmt.Errorf("%w: %s", extension.ErrInvalidID, job.ExpectedID)
		}
		ext.ID = job.ExpectedID
	}
	if job.ExpectedID != "" && ext.ID != job.ExpectedID {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedID, ext.ID, job.ExpectedID)
	}

	if d.opts.LockClient != nil {
		guard := lock.ForExtension(d.opts.LockClient, ext.ID, d.opts.LockOptions...)
		if err := guard.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("installer: acquire install lock: %w", err)
		}
		defer func() {
			if err := guard.Release(ctx); err != nil {
				log.Warn().Err(err).Str("id", ext.ID).Msg("failed to release install lock")
			}
		}()
	}

	destDir, err := d.copyIntoTree(job.SourcePath, ext)
	if err != nil {
		return nil, err
	}
	ext.Path = destDir

	if job.DeleteSource {
		if err := os.RemoveAll(job.SourcePath); err != nil {
			log.Warn().Err(err).Str("path", job.SourcePath).Msg("failed to delete install source")
		}
	}

	ev := log.Info().Str("id", ext.ID).Str("version", ext.VersionString()).Str("path", destDir).Bool("silent", job.Silent)
	if job.OriginURL != "" {
		ev = ev.Str("origin_url", job.OriginURL)
	}
	ev.Msg("extension installed")
	return ext, nil
}

// copyIntoTree stages the bundle under the extension's id directory and
// renames it to the versioned destination, replacing any same-version
// leftover from an earlier install.
func (d *DirInstaller) copyIntoTree(sourcePath string, ext *extension.Extension) (string, error) {
	idDir := filepath.Join(d.installDir, ext.ID)
	if err := os.MkdirAll(idDir, 0o755); err != nil {
		return "", fmt.Errorf("installer: create extension directory: %w", err)
	}

	stagingDir := filepath.Join(idDir, stagingPrefix+uuid.NewString())
	if err := copyTree(sourcePath, stagingDir); err != nil {
		if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", stagingDir).Msg("failed to clean up staging directory")
		}
		return "", err
	}

	destDir := filepath.Join(idDir, ext.VersionString())
	if err := os.RemoveAll(destDir); err != nil {
		if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", stagingDir).Msg("failed to clean up staging directory")
		}
		return "", fmt.Errorf("installer: clear existing version directory: %w", err)
	}
	if err := os.Rename(stagingDir, destDir); err != nil {
		if rmErr := os.RemoveAll(stagingDir); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", stagingDir).Msg("failed to clean up staging directory")
		}
		return "", fmt.Errorf("installer: move bundle into place: %w", err)
	}
	return destDir, nil
}

// stagingPrefix marks in-progress copies. Garbage collection treats these
// directories as strays.
const stagingPrefix = ".staging-"

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("installer: walk bundle: %w", err)
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("installer: resolve bundle path: %w", err)
		}
		target := filepath.Join(dst, rel)

		switch {
		case entry.IsDir():
			info, err := entry.Info()
			if err != nil {
				return fmt.Errorf("installer: stat bundle directory: %w", err)
			}
			if err := os.MkdirAll(target, info.Mode().Perm()); err != nil {
				return fmt.Errorf("installer: create directory: %w", err)
			}
			return nil
		case entry.Type().IsRegular():
			return copyFile(path, target, entry)
		default:
			// Symlinks and other irregular entries never make it into the
			// managed tree.
			log.Warn().Str("path", path).Msg("skipping irregular bundle entry")
			return nil
		}
	})
}

func copyFile(src, dst string, entry fs.DirEntry) error {
	info, err := entry.Info()
	if err != nil {
		return fmt.Errorf("installer: stat bundle file: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("installer: open bundle file: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return fmt.Errorf("installer: create file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("installer: copy file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("installer: flush file: %w", err)
	}
	return nil
}

// IsStagingDir reports whether a directory name under an extension's id
// directory is a staging leftover rather than a version directory.
func IsStagingDir(name string) bool {
	return strings.HasPrefix(name, stagingPrefix)
}

// Ensure DirInstaller implements the Installer interface.
var _ Installer = (*DirInstaller)(nil)
