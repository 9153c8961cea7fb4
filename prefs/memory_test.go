package prefs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/extmgr/extension"
)

func testExtension(t *testing.T, name, version, path string, location extension.Location) *extension.Extension {
	t.Helper()
	ext, err := extension.New(&extension.Manifest{
		Name:    name,
		Version: version,
	}, path, location)
	require.NoError(t, err)
	return ext
}

func TestMemoryStoreStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.State(ctx, "unknown")
	assert.ErrorIs(t, err, ErrNotFound)

	ext := testExtension(t, "notes", "1.0.0", "/ext/notes", extension.LocationInternal)
	require.NoError(t, store.OnExtensionInstalled(ctx, ext, extension.StateEnabled))

	state, err := store.State(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, extension.StateEnabled, state)

	require.NoError(t, store.SetState(ctx, ext.ID, extension.StateDisabled))
	state, err = store.State(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, extension.StateDisabled, state)
}

func TestMemoryStoreInstalledInfo(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ext := testExtension(t, "clock", "2.1.0", "/ext/clock/2.1.0", extension.LocationExternalPref)
	require.NoError(t, store.OnExtensionInstalled(ctx, ext, extension.StateEnabled))

	info, err := store.InstalledExtension(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, ext.ID, info.ID)
	assert.Equal(t, "2.1.0", info.Version)
	assert.Equal(t, "/ext/clock/2.1.0", info.Path)
	assert.Equal(t, extension.LocationExternalPref, info.Location)
	require.NotNil(t, info.Manifest)
	assert.Equal(t, "clock", info.Manifest.Name)
	assert.False(t, info.InstallTime.IsZero())
}

func TestMemoryStoreInstalledExtensionsSortedAndFiltered(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	a := testExtension(t, "a", "1.0.0", "/ext/a", extension.LocationInternal)
	b := testExtension(t, "b", "1.0.0", "/ext/b", extension.LocationExternalPref)
	require.NoError(t, store.OnExtensionInstalled(ctx, a, extension.StateEnabled))
	require.NoError(t, store.OnExtensionInstalled(ctx, b, extension.StateEnabled))

	// Uninstalling the external extension by user action leaves a killed
	// tombstone, which must not show up in the installed listing.
	require.NoError(t, store.OnExtensionUninstalled(ctx, b.ID, b.Location, false))

	infos, err := store.InstalledExtensions(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, a.ID, infos[0].ID)
}

func TestMemoryStoreUninstallRemovesEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ext := testExtension(t, "notes", "1.0.0", "/ext/notes", extension.LocationInternal)
	require.NoError(t, store.OnExtensionInstalled(ctx, ext, extension.StateEnabled))
	require.NoError(t, store.OnExtensionUninstalled(ctx, ext.ID, ext.Location, false))

	_, err := store.State(ctx, ext.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.InstalledExtension(ctx, ext.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	killed, err := store.KilledIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, killed)
}

func TestMemoryStoreKilledTombstone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ext := testExtension(t, "vendor-tool", "1.0.0", "/ext/vendor", extension.LocationExternalRegistry)
	require.NoError(t, store.OnExtensionInstalled(ctx, ext, extension.StateEnabled))
	require.NoError(t, store.SetPermissionsEscalated(ctx, ext.ID, true))

	// User-driven uninstall of an externally provided extension.
	require.NoError(t, store.OnExtensionUninstalled(ctx, ext.ID, ext.Location, false))

	state, err := store.State(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, extension.StateKilled, state)

	// The tombstone carries no other preferences.
	escalated, err := store.PermissionsEscalated(ctx, ext.ID)
	require.NoError(t, err)
	assert.False(t, escalated)

	killed, err := store.KilledIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{ext.ID}, killed)
}

func TestMemoryStoreExternalUninstallLeavesNoTombstone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ext := testExtension(t, "vendor-tool", "1.0.0", "/ext/vendor", extension.LocationExternalPref)
	require.NoError(t, store.OnExtensionInstalled(ctx, ext, extension.StateEnabled))

	// The provider itself withdrew the extension, so reinstalling later
	// must not be blocked by a tombstone.
	require.NoError(t, store.OnExtensionUninstalled(ctx, ext.ID, ext.Location, true))

	_, err := store.State(ctx, ext.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	killed, err := store.KilledIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, killed)
}

func TestMemoryStoreUpdateManifest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ext := testExtension(t, "notes", "1.0.0", "/ext/notes", extension.LocationInternal)
	err := store.UpdateManifest(ctx, ext)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.OnExtensionInstalled(ctx, ext, extension.StateEnabled))

	updated := testExtension(t, "notes", "1.1.0", "/ext/notes", extension.LocationInternal)
	require.NoError(t, store.UpdateManifest(ctx, updated))

	info, err := store.InstalledExtension(ctx, ext.ID)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", info.Version)
	assert.Equal(t, "1.1.0", info.Manifest.Version)
}

func TestMemoryStorePermissionEscalationFlag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	escalated, err := store.PermissionsEscalated(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, escalated)

	require.NoError(t, store.SetPermissionsEscalated(ctx, "someid", true))
	escalated, err = store.PermissionsEscalated(ctx, "someid")
	require.NoError(t, err)
	assert.True(t, escalated)

	require.NoError(t, store.SetPermissionsEscalated(ctx, "someid", false))
	escalated, err = store.PermissionsEscalated(ctx, "someid")
	require.NoError(t, err)
	assert.False(t, escalated)
}

func TestMemoryStoreBlacklist(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.UpdateBlacklist(ctx, []string{"aaaa", "bbbb"}))

	ok, err := store.IsBlacklisted(ctx, "aaaa")
	require.NoError(t, err)
	assert.True(t, ok)

	// A fresh list replaces the previous one wholesale.
	require.NoError(t, store.UpdateBlacklist(ctx, []string{"cccc"}))

	ok, err = store.IsBlacklisted(ctx, "aaaa")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = store.IsBlacklisted(ctx, "cccc")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStoreIncognito(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	enabled, err := store.IsIncognitoEnabled(ctx, "someid")
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, store.SetIncognitoEnabled(ctx, "someid", true))
	enabled, err = store.IsIncognitoEnabled(ctx, "someid")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestMemoryStoreLastPingDay(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	day, err := store.LastPingDay(ctx)
	require.NoError(t, err)
	assert.True(t, day.IsZero())

	now := time.Now().Truncate(time.Second)
	require.NoError(t, store.SetLastPingDay(ctx, now))

	day, err = store.LastPingDay(ctx)
	require.NoError(t, err)
	assert.True(t, now.Equal(day))
}
