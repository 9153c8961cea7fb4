package extension

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	id := GenerateID("/some/extension/path")

	assert.True(t, IsValidID(id), "generated id %q should be valid", id)
	assert.Equal(t, id, GenerateID("/some/extension/path"), "generation must be deterministic")
	assert.NotEqual(t, id, GenerateID("/another/path"))
}

func TestIDFromKey(t *testing.T) {
	id, err := IDFromKey("dGhpcyBpcyBub3QgYSByZWFsIGtleQ==")
	require.NoError(t, err)
	assert.True(t, IsValidID(id))

	_, err = IDFromKey("not base64!!!")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidID)
}

func TestIsValidID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"valid", "abcdefghijklmnopabcdefghijklmnop", true},
		{"too short", "abcdef", false},
		{"too long", "abcdefghijklmnopabcdefghijklmnopa", false},
		{"out of alphabet", "abcdefghijklmnopabcdefghijklmnoz", false},
		{"uppercase", "ABCDEFGHIJKLMNOPABCDEFGHIJKLMNOP", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsValidID(tt.id))
		})
	}
}

func TestParseManifest(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"valid", `{"name":"Sample","version":"1.0.0"}`, nil},
		{"missing name", `{"version":"1.0.0"}`, ErrManifestInvalid},
		{"missing version", `{"name":"Sample"}`, ErrManifestInvalid},
		{"malformed json", `{"name":`, ErrManifestInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.data))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Sample", m.Name)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ManifestFilename),
		[]byte(`{"name":"Disk Sample","version":"2.1.0","theme":{"colors":{}}}`),
		0o644,
	))

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "Disk Sample", m.Name)
	assert.True(t, m.IsTheme())

	_, err = LoadManifest(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, ErrManifestUnreadable)
}

func TestNewExtension(t *testing.T) {
	m := &Manifest{
		Name:        "Sample",
		Version:     "1.2.3",
		Permissions: []string{"tabs", "https://example.com/*"},
		URLOverrides: map[string]string{
			"newtab": "pages/newtab.html",
		},
	}

	ext, err := New(m, "/ext/sample", LocationInternal)
	require.NoError(t, err)

	assert.True(t, IsValidID(ext.ID))
	assert.Equal(t, "Sample", ext.Name())
	assert.Equal(t, "1.2.3", ext.VersionString())
	assert.Equal(t, LocationInternal, ext.Location)
	assert.False(t, ext.Theme)
	assert.True(t, ext.Permissions.HasAPIPermission(PermissionTabs))
	assert.Equal(t, "pages/newtab.html", ext.URLOverrides["newtab"])
	assert.Equal(t, "ext://"+ext.ID+"/", ext.Origin())
}

func TestNewExtensionBadVersion(t *testing.T) {
	m := &Manifest{Name: "Broken", Version: "not.a.version"}

	_, err := New(m, "/ext/broken", LocationInternal)
	assert.ErrorIs(t, err, ErrManifestInvalid)
}

func TestNewExtensionThemeFlag(t *testing.T) {
	m := &Manifest{
		Name:    "Dusk",
		Version: "1.0.0",
		Theme:   map[string]any{"colors": map[string]any{}},
	}

	ext, err := New(m, "/ext/dusk", LocationInternal)
	require.NoError(t, err)
	assert.True(t, ext.Theme)
}

func TestLocationIsExternal(t *testing.T) {
	assert.True(t, LocationExternalPref.IsExternal())
	assert.True(t, LocationExternalRegistry.IsExternal())
	assert.False(t, LocationInternal.IsExternal())
	assert.False(t, LocationUnpacked.IsExternal())
	assert.False(t, LocationComponent.IsExternal())
}
