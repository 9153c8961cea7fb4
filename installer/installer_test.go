package installer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/extmgr/extension"
)

func writeBundle(t *testing.T, manifest map[string]any, extraFiles map[string]string) string {
	t.Helper()
	dir := t.TempDir()

	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, extension.ManifestFilename), data, 0o644))

	for name, content := range extraFiles {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDirInstallerInstall(t *testing.T) {
	installDir := t.TempDir()
	source := writeBundle(t, map[string]any{
		"name":    "notes",
		"version": "1.2.0",
	}, map[string]string{
		"background.js":  "console.log('hi')",
		"assets/icon.sv": "<svg/>",
	})

	inst := NewDirInstaller(installDir)
	ext, err := inst.Install(context.Background(), Job{
		SourcePath: source,
		Location:   extension.LocationInternal,
	})
	require.NoError(t, err)

	wantPath := filepath.Join(installDir, ext.ID, "1.2.0")
	assert.Equal(t, wantPath, ext.Path)

	for _, rel := range []string{extension.ManifestFilename, "background.js", "assets/icon.sv"} {
		_, err := os.Stat(filepath.Join(wantPath, rel))
		assert.NoError(t, err, rel)
	}

	// The source bundle stays put unless the job asks for deletion.
	_, err = os.Stat(filepath.Join(source, extension.ManifestFilename))
	assert.NoError(t, err)
}

func TestDirInstallerDeleteSource(t *testing.T) {
	installDir := t.TempDir()
	source := writeBundle(t, map[string]any{
		"name":    "notes",
		"version": "1.0.0",
	}, nil)

	inst := NewDirInstaller(installDir)
	_, err := inst.Install(context.Background(), Job{
		SourcePath:   source,
		Location:     extension.LocationInternal,
		DeleteSource: true,
	})
	require.NoError(t, err)

	_, err = os.Stat(source)
	assert.True(t, os.IsNotExist(err))
}

func TestDirInstallerExpectedIDAdopted(t *testing.T) {
	installDir := t.TempDir()
	source := writeBundle(t, map[string]any{
		"name":    "vendor-tool",
		"version": "3.0.0",
	}, nil)

	const wantID = "aaaabbbbccccddddeeeeffffgggghhhh"
	inst := NewDirInstaller(installDir)
	ext, err := inst.Install(context.Background(), Job{
		SourcePath: source,
		ExpectedID: wantID,
		Location:   extension.LocationExternalPref,
	})
	require.NoError(t, err)
	assert.Equal(t, wantID, ext.ID)
	assert.Equal(t, filepath.Join(installDir, wantID, "3.0.0"), ext.Path)
}

func TestDirInstallerExpectedIDMismatch(t *testing.T) {
	installDir := t.TempDir()

	// A keyed bundle has its own identity, which cannot be overridden.
	keyed := writeBundle(t, map[string]any{
		"name":    "keyed",
		"version": "1.0.0",
		"key":     "dGhpcyBpcyBhIHB1YmxpYyBrZXk=",
	}, nil)

	inst := NewDirInstaller(installDir)
	_, err := inst.Install(context.Background(), Job{
		SourcePath: keyed,
		ExpectedID: "aaaabbbbccccddddeeeeffffgggghhhh",
		Location:   extension.LocationExternalPref,
	})
	assert.ErrorIs(t, err, ErrUnexpectedID)
}

func TestDirInstallerRejectsInvalidExpectedID(t *testing.T) {
	installDir := t.TempDir()
	source := writeBundle(t, map[string]any{
		"name":    "notes",
		"version": "1.0.0",
	}, nil)

	inst := NewDirInstaller(installDir)
	_, err := inst.Install(context.Background(), Job{
		SourcePath: source,
		ExpectedID: "not-a-valid-id",
		Location:   extension.LocationExternalPref,
	})
	assert.ErrorIs(t, err, extension.ErrInvalidID)
}

func TestDirInstallerMissingManifest(t *testing.T) {
	inst := NewDirInstaller(t.TempDir())
	_, err := inst.Install(context.Background(), Job{
		SourcePath: t.TempDir(),
		Location:   extension.LocationInternal,
	})
	assert.ErrorIs(t, err, extension.ErrManifestUnreadable)
}

func TestDirInstallerSchemaRejectsBadManifest(t *testing.T) {
	tests := []struct {
		name     string
		manifest map[string]any
	}{
		{name: "missing version", manifest: map[string]any{"name": "notes"}},
		{name: "empty name", manifest: map[string]any{"name": "", "version": "1.0.0"}},
		{name: "malformed version", manifest: map[string]any{"name": "notes", "version": "one.two"}},
		{name: "non-string permission", manifest: map[string]any{"name": "notes", "version": "1.0.0", "permissions": []any{42}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			source := writeBundle(t, tt.manifest, nil)
			inst := NewDirInstaller(t.TempDir())
			_, err := inst.Install(context.Background(), Job{
				SourcePath: source,
				Location:   extension.LocationInternal,
			})
			assert.ErrorIs(t, err, extension.ErrManifestInvalid)
		})
	}
}

func TestDirInstallerReplacesSameVersion(t *testing.T) {
	installDir := t.TempDir()
	source := writeBundle(t, map[string]any{
		"name":    "notes",
		"version": "1.0.0",
	}, map[string]string{"a.txt": "first"})

	inst := NewDirInstaller(installDir)
	ext, err := inst.Install(context.Background(), Job{SourcePath: source, Location: extension.LocationInternal})
	require.NoError(t, err)

	// Reinstalling the same version from a fresh bundle replaces the tree.
	source2 := writeBundle(t, map[string]any{
		"name":    "notes",
		"version": "1.0.0",
	}, map[string]string{"b.txt": "second"})
	ext2, err := inst.Install(context.Background(), Job{
		SourcePath: source2,
		ExpectedID: ext.ID,
		Location:   extension.LocationInternal,
	})
	require.NoError(t, err)
	assert.Equal(t, ext.Path, ext2.Path)

	_, err = os.Stat(filepath.Join(ext2.Path, "b.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(ext2.Path, "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestValidateManifestAllowsUnknownFields(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"name":             "notes",
		"version":          "1.0.0",
		"background_page":  "background.html",
		"content_scripts":  []any{map[string]any{"js": []any{"a.js"}}},
		"some_future_knob": true,
	})
	require.NoError(t, err)
	assert.NoError(t, ValidateManifest(data))
}

func TestIsStagingDir(t *testing.T) {
	assert.True(t, IsStagingDir(".staging-123"))
	assert.False(t, IsStagingDir("1.0.0"))
	assert.False(t, IsStagingDir("staging"))
}
