package prefs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hostbridge/extmgr/extension"
)

const (
	redisExtKeyPrefix   = "extprefs:ext:"
	redisBlacklistKey   = "extprefs:blacklist"
	redisLastPingDayKey = "extprefs:last_ping_day"
)

// Hash field names within an extension's preference key.
const (
	fieldState       = "state"
	fieldEscalated   = "escalated"
	fieldIncognito   = "incognito"
	fieldInstalled   = "installed"
	fieldVersion     = "version"
	fieldPath        = "path"
	fieldLocation    = "location"
	fieldManifest    = "manifest"
	fieldInstallTime = "install_time"
)

// redisStore implements Store on Redis hashes, one hash per extension.
// Hosts running several browser processes against one profile share state
// through it.
type redisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis backed preference store.
func NewRedisStore(client redis.Cmdable) Store {
	if client == nil {
		panic("prefs: redis client cannot be nil")
	}
	return &redisStore{client: client}
}

func extKey(id string) string {
	return redisExtKeyPrefix + id
}

func (s *redisStore) State(ctx context.Context, id string) (extension.State, error) {
	val, err := s.client.HGet(ctx, extKey(id), fieldState).Result()
	if errors.Is(err, redis.Nil) {
		return extension.StateDisabled, ErrNotFound
	}
	if err != nil {
		return extension.StateDisabled, fmt.Errorf("prefs: read state: %w", err)
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return extension.StateDisabled, fmt.Errorf("prefs: corrupt state value %q: %w", val, err)
	}
	return extension.State(n), nil
}

func (s *redisStore) SetState(ctx context.Context, id string, state extension.State) error {
	if err := s.client.HSet(ctx, extKey(id), fieldState, int(state)).Err(); err != nil {
		return fmt.Errorf("prefs: write state: %w", err)
	}
	return nil
}

func (s *redisStore) PermissionsEscalated(ctx context.Context, id string) (bool, error) {
	val, err := s.client.HGet(ctx, extKey(id), fieldEscalated).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("prefs: read escalation flag: %w", err)
	}
	return val == "1", nil
}

func (s *redisStore) SetPermissionsEscalated(ctx context.Context, id string, v bool) error {
	if err := s.client.HSet(ctx, extKey(id), fieldEscalated, boolField(v)).Err(); err != nil {
		return fmt.Errorf("prefs: write escalation flag: %w", err)
	}
	return nil
}

func (s *redisStore) OnExtensionInstalled(ctx context.Context, ext *extension.Extension, initialState extension.State) error {
	manifestJSON, err := json.Marshal(ext.Manifest)
	if err != nil {
		return fmt.Errorf("prefs: marshal manifest: %w", err)
	}

	fields := map[string]any{
		fieldState:       int(initialState),
		fieldInstalled:   "1",
		fieldVersion:     ext.VersionString(),
		fieldPath:        ext.Path,
		fieldLocation:    int(ext.Location),
		fieldManifest:    string(manifestJSON),
		fieldInstallTime: time.Now().Unix(),
	}
	if err := s.client.HSet(ctx, extKey(ext.ID), fields).Err(); err != nil {
		return fmt.Errorf("prefs: persist install: %w", err)
	}
	return nil
}

func (s *redisStore) OnExtensionUninstalled(ctx context.Context, id string, location extension.Location, externalUninstall bool) error {
	key := extKey(id)

	if !externalUninstall && location.IsExternal() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("prefs: clear preferences: %w", err)
		}
		if err := s.client.HSet(ctx, key, fieldState, int(extension.StateKilled)).Err(); err != nil {
			return fmt.Errorf("prefs: write killed tombstone: %w", err)
		}
		return nil
	}

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("prefs: remove preferences: %w", err)
	}
	return nil
}

func (s *redisStore) UpdateManifest(ctx context.Context, ext *extension.Extension) error {
	installed, err := s.client.HGet(ctx, extKey(ext.ID), fieldInstalled).Result()
	if errors.Is(err, redis.Nil) || (err == nil && installed != "1") {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("prefs: read install marker: %w", err)
	}

	manifestJSON, err := json.Marshal(ext.Manifest)
	if err != nil {
		return fmt.Errorf("prefs: marshal manifest: %w", err)
	}
	fields := map[string]any{
		fieldManifest: string(manifestJSON),
		fieldVersion:  ext.VersionString(),
	}
	if err := s.client.HSet(ctx, extKey(ext.ID), fields).Err(); err != nil {
		return fmt.Errorf("prefs: update manifest: %w", err)
	}
	return nil
}

func (s *redisStore) InstalledExtensions(ctx context.Context) ([]*InstalledInfo, error) {
	var infos []*InstalledInfo
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisExtKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("prefs: scan extensions: %w", err)
		}
		for _, key := range keys {
			id := key[len(redisExtKeyPrefix):]
			info, err := s.InstalledExtension(ctx, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			infos = append(infos, info)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return infos, nil
}

func (s *redisStore) InstalledExtension(ctx context.Context, id string) (*InstalledInfo, error) {
	fields, err := s.client.HGetAll(ctx, extKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("prefs: read extension: %w", err)
	}
	if len(fields) == 0 || fields[fieldInstalled] != "1" {
		return nil, ErrNotFound
	}

	var manifest *extension.Manifest
	if raw := fields[fieldManifest]; raw != "" {
		manifest = &extension.Manifest{}
		if err := json.Unmarshal([]byte(raw), manifest); err != nil {
			return nil, fmt.Errorf("prefs: corrupt stored manifest for %s: %w", id, err)
		}
	}

	location := extension.LocationInvalid
	if raw := fields[fieldLocation]; raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			location = extension.Location(n)
		}
	}

	var installTime time.Time
	if raw := fields[fieldInstallTime]; raw != "" {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			installTime = time.Unix(unix, 0)
		}
	}

	return &InstalledInfo{
		ID:          id,
		Version:     fields[fieldVersion],
		Path:        fields[fieldPath],
		Location:    location,
		Manifest:    manifest,
		InstallTime: installTime,
	}, nil
}

func (s *redisStore) UpdateBlacklist(ctx context.Context, ids []string) error {
	if err := s.client.Del(ctx, redisBlacklistKey).Err(); err != nil {
		return fmt.Errorf("prefs: clear blacklist: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	if err := s.client.SAdd(ctx, redisBlacklistKey, members...).Err(); err != nil {
		return fmt.Errorf("prefs: write blacklist: %w", err)
	}
	return nil
}

func (s *redisStore) IsBlacklisted(ctx context.Context, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, redisBlacklistKey, id).Result()
	if err != nil {
		return false, fmt.Errorf("prefs: check blacklist: %w", err)
	}
	return ok, nil
}

func (s *redisStore) KilledIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	killed := strconv.Itoa(int(extension.StateKilled))
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisExtKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("prefs: scan extensions: %w", err)
		}
		for _, key := range keys {
			state, err := s.client.HGet(ctx, key, fieldState).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("prefs: read state: %w", err)
			}
			if state == killed {
				ids = append(ids, key[len(redisExtKeyPrefix):])
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return ids, nil
}

func (s *redisStore) IsIncognitoEnabled(ctx context.Context, id string) (bool, error) {
	val, err := s.client.HGet(ctx, extKey(id), fieldIncognito).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("prefs: read incognito flag: %w", err)
	}
	return val == "1", nil
}

func (s *redisStore) SetIncognitoEnabled(ctx context.Context, id string, v bool) error {
	if err := s.client.HSet(ctx, extKey(id), fieldIncognito, boolField(v)).Err(); err != nil {
		return fmt.Errorf("prefs: write incognito flag: %w", err)
	}
	return nil
}

func (s *redisStore) LastPingDay(ctx context.Context) (time.Time, error) {
	val, err := s.client.Get(ctx, redisLastPingDayKey).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("prefs: read last ping day: %w", err)
	}
	unix, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("prefs: corrupt last ping day %q: %w", val, err)
	}
	return time.Unix(unix, 0), nil
}

func (s *redisStore) SetLastPingDay(ctx context.Context, t time.Time) error {
	if err := s.client.Set(ctx, redisLastPingDayKey, t.Unix(), 0).Err(); err != nil {
		return fmt.Errorf("prefs: write last ping day: %w", err)
	}
	return nil
}

func boolField(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// Ensure redisStore implements the Store interface.
var _ Store = (*redisStore)(nil)
