package prefs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/extension"
)

type memoryEntry struct {
	state       extension.State
	stateSet    bool
	escalated   bool
	incognito   bool
	installed   bool
	version     string
	path        string
	location    extension.Location
	manifest    *extension.Manifest
	installTime time.Time
}

// memoryStore implements Store with in-process maps. It is the default
// backend and the one tests run against.
type memoryStore struct {
	mu          sync.RWMutex
	entries     map[string]*memoryEntry
	blacklist   map[string]struct{}
	lastPingDay time.Time
}

// NewMemoryStore creates an in-memory preference store.
func NewMemoryStore() Store {
	return &memoryStore{
		entries:   make(map[string]*memoryEntry),
		blacklist: make(map[string]struct{}),
	}
}

func (s *memoryStore) entry(id string) *memoryEntry {
	if e, ok := s.entries[id]; ok {
		return e
	}
	e := &memoryEntry{}
	s.entries[id] = e
	return e
}

func (s *memoryStore) State(ctx context.Context, id string) (extension.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || !e.stateSet {
		return extension.StateDisabled, ErrNotFound
	}
	return e.state, nil
}

func (s *memoryStore) SetState(ctx context.Context, id string, state extension.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(id)
	e.state = state
	e.stateSet = true
	return nil
}

func (s *memoryStore) PermissionsEscalated(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	return e.escalated, nil
}

func (s *memoryStore) SetPermissionsEscalated(ctx context.Context, id string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).escalated = v
	return nil
}

func (s *memoryStore) OnExtensionInstalled(ctx context.Context, ext *extension.Extension, initialState extension.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(ext.ID)
	e.state = initialState
	e.stateSet = true
	e.installed = true
	e.version = ext.VersionString()
	e.path = ext.Path
	e.location = ext.Location
	e.manifest = ext.Manifest
	e.installTime = time.Now()

	log.Debug().
		Str("extension_id", ext.ID).
		Str("version", e.version).
		Str("state", initialState.String()).
		Msg("persisted extension install")
	return nil
}

func (s *memoryStore) OnExtensionUninstalled(ctx context.Context, id string, location extension.Location, externalUninstall bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !externalUninstall && location.IsExternal() {
		// The user removed an externally registered extension; keep a
		// tombstone so discovery does not bring it back.
		s.entries[id] = &memoryEntry{state: extension.StateKilled, stateSet: true}
		log.Debug().Str("extension_id", id).Msg("persisted killed tombstone")
		return nil
	}

	delete(s.entries, id)
	log.Debug().Str("extension_id", id).Msg("removed extension preferences")
	return nil
}

func (s *memoryStore) UpdateManifest(ctx context.Context, ext *extension.Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ext.ID]
	if !ok || !e.installed {
		return ErrNotFound
	}
	e.manifest = ext.Manifest
	e.version = ext.VersionString()
	return nil
}

func (s *memoryStore) InstalledExtensions(ctx context.Context) ([]*InstalledInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]*InstalledInfo, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.installed {
			continue
		}
		infos = append(infos, infoFromEntry(id, e))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos, nil
}

func (s *memoryStore) InstalledExtension(ctx context.Context, id string) (*InstalledInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok || !e.installed {
		return nil, ErrNotFound
	}
	return infoFromEntry(id, e), nil
}

func infoFromEntry(id string, e *memoryEntry) *InstalledInfo {
	return &InstalledInfo{
		ID:          id,
		Version:     e.version,
		Path:        e.path,
		Location:    e.location,
		Manifest:    e.manifest,
		InstallTime: e.installTime,
	}
}

func (s *memoryStore) UpdateBlacklist(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.blacklist[id] = struct{}{}
	}
	return nil
}

func (s *memoryStore) IsBlacklisted(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blacklist[id]
	return ok, nil
}

func (s *memoryStore) KilledIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, e := range s.entries {
		if e.stateSet && e.state == extension.StateKilled {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) IsIncognitoEnabled(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return false, nil
	}
	return e.incognito, nil
}

func (s *memoryStore) SetIncognitoEnabled(ctx context.Context, id string, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(id).incognito = v
	return nil
}

func (s *memoryStore) LastPingDay(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastPingDay, nil
}

func (s *memoryStore) SetLastPingDay(ctx context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastPingDay = t
	return nil
}

// Ensure memoryStore implements the Store interface.
var _ Store = (*memoryStore)(nil)
