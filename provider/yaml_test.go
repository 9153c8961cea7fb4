package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/extmgr/extension"
)

const (
	testIDNotes = "aaaabbbbccccddddeeeeffffgggghhhh"
	testIDClock = "bbbbccccddddeeeeffffgggghhhhiiii"
)

func writePrefFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "external_extensions.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func collectRegistrations(t *testing.T, p Provider, ignore map[string]struct{}) map[string]*Registration {
	t.Helper()
	found := make(map[string]*Registration)
	err := p.Visit(context.Background(), func(ctx context.Context, reg *Registration) {
		found[reg.ID] = reg
	}, ignore)
	require.NoError(t, err)
	return found
}

func TestYAMLProviderVisit(t *testing.T) {
	path := writePrefFile(t, `
aaaabbbbccccddddeeeeffffgggghhhh:
  version: 1.2.0
  path: /opt/extensions/notes
bbbbccccddddeeeeffffgggghhhhiiii:
  version: 0.3.1
  path: /opt/extensions/clock
`)
	p := NewYAMLProvider(path, extension.LocationExternalPref)
	assert.Equal(t, extension.LocationExternalPref, p.Location())

	found := collectRegistrations(t, p, nil)
	require.Len(t, found, 2)

	notes := found[testIDNotes]
	require.NotNil(t, notes)
	assert.Equal(t, "1.2.0", notes.Version.String())
	assert.Equal(t, "/opt/extensions/notes", notes.Path)
	assert.Equal(t, extension.LocationExternalPref, notes.Location)
}

func TestYAMLProviderVisitHonorsIgnoreSet(t *testing.T) {
	path := writePrefFile(t, `
aaaabbbbccccddddeeeeffffgggghhhh:
  version: 1.2.0
  path: /opt/extensions/notes
bbbbccccddddeeeeffffgggghhhhiiii:
  version: 0.3.1
  path: /opt/extensions/clock
`)
	p := NewYAMLProvider(path, extension.LocationExternalPref)

	found := collectRegistrations(t, p, map[string]struct{}{testIDNotes: {}})
	require.Len(t, found, 1)
	assert.Contains(t, found, testIDClock)
}

func TestYAMLProviderSkipsMalformedEntries(t *testing.T) {
	path := writePrefFile(t, `
not-a-valid-id:
  version: 1.0.0
  path: /opt/extensions/bad
aaaabbbbccccddddeeeeffffgggghhhh:
  version: not.a.version
  path: /opt/extensions/notes
bbbbccccddddeeeeffffgggghhhhiiii:
  version: 2.0.0
  path: /opt/extensions/clock
`)
	p := NewYAMLProvider(path, extension.LocationExternalPref)

	found := collectRegistrations(t, p, nil)
	require.Len(t, found, 1)
	assert.Contains(t, found, testIDClock)
}

func TestYAMLProviderMissingFile(t *testing.T) {
	p := NewYAMLProvider(filepath.Join(t.TempDir(), "absent.yaml"), extension.LocationExternalPref)

	found := collectRegistrations(t, p, nil)
	assert.Empty(t, found)

	_, err := p.Lookup(context.Background(), testIDNotes)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestYAMLProviderLookup(t *testing.T) {
	path := writePrefFile(t, `
aaaabbbbccccddddeeeeffffgggghhhh:
  version: 1.2.0
  path: /opt/extensions/notes
`)
	p := NewYAMLProvider(path, extension.LocationExternalPref)

	reg, err := p.Lookup(context.Background(), testIDNotes)
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", reg.Version.String())

	_, err = p.Lookup(context.Background(), testIDClock)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestYAMLProviderPicksUpEdits(t *testing.T) {
	path := writePrefFile(t, `
aaaabbbbccccddddeeeeffffgggghhhh:
  version: 1.0.0
  path: /opt/extensions/notes
`)
	p := NewYAMLProvider(path, extension.LocationExternalPref)

	reg, err := p.Lookup(context.Background(), testIDNotes)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", reg.Version.String())

	require.NoError(t, os.WriteFile(path, []byte(`
aaaabbbbccccddddeeeeffffgggghhhh:
  version: 1.1.0
  path: /opt/extensions/notes
`), 0o644))

	reg, err = p.Lookup(context.Background(), testIDNotes)
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", reg.Version.String())
}

func TestHashRegistrationsChangeDetection(t *testing.T) {
	mustReg := func(id, version string) *Registration {
		v, err := semver.NewVersion(version)
		require.NoError(t, err)
		return &Registration{ID: id, Version: v, Path: "/opt/x", Location: extension.LocationExternalRegistry}
	}

	assert.Equal(t, "empty", hashRegistrations(nil))

	a := []*Registration{mustReg(testIDNotes, "1.0.0"), mustReg(testIDClock, "2.0.0")}
	b := []*Registration{mustReg(testIDClock, "2.0.0"), mustReg(testIDNotes, "1.0.0")}
	assert.Equal(t, hashRegistrations(a), hashRegistrations(b))

	c := []*Registration{mustReg(testIDNotes, "1.0.1"), mustReg(testIDClock, "2.0.0")}
	assert.NotEqual(t, hashRegistrations(a), hashRegistrations(c))
}
