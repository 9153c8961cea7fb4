package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/extension"
)

// registrationRecord is the wire form of a registration. Deployment tooling
// writes these under "<prefix>:<id>"; the location is implied by which
// provider instance reads the key space.
type registrationRecord struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Path    string `json:"path"`
}

// RedisProvider serves registrations published to a shared Redis key space,
// so a fleet of hosts can be pointed at the same set of required extensions.
// Registrations are durable; they stay until explicitly withdrawn.
type RedisProvider struct {
	opts     *Options
	client   redis.Cmdable
	location extension.Location
}

// NewRedisProvider creates a Redis-backed registration provider.
func NewRedisProvider(location extension.Location, opts ...Option) (*RedisProvider, error) {
	options := newOptions(opts...)
	if options.Client == nil {
		return nil, errors.New("redis client is required")
	}

	// Ping Redis to ensure connectivity during setup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := options.Client.Ping(ctx).Err(); err != nil {
		log.Error().Err(err).Msg("failed to connect to redis")
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Info().Str("prefix", options.KeyPrefix).Dur("watch_interval", options.WatchInterval).Msg("redis registration provider initialized")

	return &RedisProvider{
		opts:     options,
		client:   options.Client,
		location: location,
	}, nil
}

func (p *RedisProvider) Location() extension.Location {
	return p.location
}

func (p *RedisProvider) key(id string) string {
	return fmt.Sprintf("%s:%s", p.opts.KeyPrefix, id)
}

// Publish writes a registration so every host watching this key space will
// pick it up on its next external update check.
func (p *RedisProvider) Publish(ctx context.Context, reg *Registration) error {
	if !extension.IsValidID(reg.ID) {
		return fmt.Errorf("%w: %s", extension.ErrInvalidID, reg.ID)
	}
	if reg.Version == nil || reg.Path == "" {
		return errors.New("registration version and path are required")
	}

	record := registrationRecord{
		ID:      reg.ID,
		Version: reg.Version.String(),
		Path:    reg.Path,
	}
	valueBytes, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err := p.client.Set(ctx, p.key(reg.ID), valueBytes, 0).Err(); err != nil {
		log.Error().Err(err).Str("id", reg.ID).Msg("failed to publish registration")
		return fmt.Errorf("failed to publish registration: %w", err)
	}
	log.Info().Str("id", reg.ID).Str("version", record.Version).Msg("registration published")
	return nil
}

// Withdraw removes a registration. Hosts treat the disappearance as the
// authority no longer requiring the extension.
func (p *RedisProvider) Withdraw(ctx context.Context, id string) error {
	deleted, err := p.client.Del(ctx, p.key(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Error().Err(err).Str("id", id).Msg("failed to withdraw registration")
		return fmt.Errorf("failed to withdraw registration: %w", err)
	}
	if deleted > 0 {
		log.Info().Str("id", id).Msg("registration withdrawn")
	} else {
		log.Info().Str("id", id).Msg("registration already gone or never published")
	}
	return nil
}

// Visit discovers all current registrations using SCAN and MGET.
func (p *RedisProvider) Visit(ctx context.Context, visit Visitor, ignore map[string]struct{}) error {
	regs, err := p.discover(ctx)
	if err != nil {
		return err
	}
	for _, reg := range regs {
		if _, skip := ignore[reg.ID]; skip {
			continue
		}
		visit(ctx, reg)
	}
	return nil
}

func (p *RedisProvider) Lookup(ctx context.Context, id string) (*Registration, error) {
	val, err := p.client.Get(ctx, p.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registration: %w", err)
	}
	return p.parseRecord(p.key(id), val)
}

func (p *RedisProvider) discover(ctx context.Context) ([]*Registration, error) {
	pattern := p.opts.KeyPrefix + ":*"
	keys, err := p.scanKeys(ctx, pattern)
	if err != nil {
		log.Error().Err(err).Str("pattern", pattern).Msg("failed to scan registration keys")
		return nil, fmt.Errorf("failed to scan registration keys: %w", err)
	}
	if len(keys) == 0 {
		return []*Registration{}, nil
	}

	valuesAny, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Error().Err(err).Int("key_count", len(keys)).Msg("failed to mget registration data")
		return nil, fmt.Errorf("failed to read registration data: %w", err)
	}

	regs := make([]*Registration, 0, len(valuesAny))
	for i, valAny := range valuesAny {
		// MGET returns nil for keys deleted between SCAN and MGET.
		if valAny == nil {
			continue
		}
		valueStr, ok := valAny.(string)
		if !ok {
			log.Warn().Str("key", keys[i]).Str("type", fmt.Sprintf("%T", valAny)).Msg("unexpected type from mget, expected string")
			continue
		}
		reg, err := p.parseRecord(keys[i], valueStr)
		if err != nil {
			log.Warn().Err(err).Str("key", keys[i]).Msg("skipping malformed registration")
			continue
		}
		regs = append(regs, reg)
	}
	return regs, nil
}

func (p *RedisProvider) parseRecord(key, value string) (*Registration, error) {
	var record registrationRecord
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return nil, fmt.Errorf("unmarshal registration at %s: %w", key, err)
	}
	if !extension.IsValidID(record.ID) {
		return nil, fmt.Errorf("%w: %s at %s", extension.ErrInvalidID, record.ID, key)
	}
	version, err := semver.NewVersion(record.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid registration version %q at %s: %w", record.Version, key, err)
	}
	return &Registration{
		ID:       record.ID,
		Version:  version,
		Path:     record.Path,
		Location: p.location,
	}, nil
}

// scanKeys uses SCAN to find keys matching a pattern without blocking Redis.
func (p *RedisProvider) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := p.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// Watch emits a signal whenever the set of registrations changes, detected
// by polling. Consumers typically react by scheduling an external update
// check. The watcher runs until the context is canceled.
func (p *RedisProvider) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.opts.WatchInterval)
		defer ticker.Stop()

		regs, err := p.discover(ctx)
		if err != nil {
			log.Error().Err(err).Msg("watcher failed initial discovery")
		}
		lastHash := hashRegistrations(regs)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("registration watcher stopping due to context cancellation")
				return
			case <-ticker.C:
				current, err := p.discover(ctx)
				if err != nil {
					log.Warn().Err(err).Msg("watcher failed discovery during poll")
					continue
				}
				newHash := hashRegistrations(current)
				if newHash == lastHash {
					continue
				}
				log.Debug().Int("count", len(current)).Msg("watcher detected registration change")
				lastHash = newHash
				// Non-blocking send: a pending signal already covers this change.
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	log.Info().Dur("interval", p.opts.WatchInterval).Msg("registration watcher started")
	return ch
}

// hashRegistrations builds a change-detection fingerprint, sorted by id for
// consistency.
func hashRegistrations(regs []*Registration) string {
	if len(regs) == 0 {
		return "empty"
	}
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].ID < regs[j].ID
	})
	var sb strings.Builder
	for i, reg := range regs {
		if i > 0 {
			sb.WriteString(";")
		}
		sb.WriteString(reg.ID)
		sb.WriteString("@")
		sb.WriteString(reg.Version.String())
	}
	return sb.String()
}

// Ensure RedisProvider implements the Provider interface.
var _ Provider = (*RedisProvider)(nil)
