// Package service implements the extension lifecycle manager: the enabled
// and disabled registries, install and update arbitration, external
// provider reconciliation and the notification surface host applications
// build on.
//
// All registry state is confined to a serial control queue. Public methods
// enter that queue synchronously and return once the registries reflect
// the call; blocking filesystem and provider work runs on the backend's
// file queue and re-enters the control queue through callbacks.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/backend"
	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/installer"
	"github.com/hostbridge/extmgr/meta"
	"github.com/hostbridge/extmgr/notify"
	"github.com/hostbridge/extmgr/prefs"
	"github.com/hostbridge/extmgr/taskq"
	"github.com/hostbridge/extmgr/updater"
)

// Predefined errors for rejected lifecycle operations.
var (
	// ErrStaleVersion marks a load carrying a version no newer than the
	// registered one.
	ErrStaleVersion = errors.New("service: a version at least this new is already installed")
	// ErrThemeMismatch marks an install whose bundle type contradicts the
	// pending entry that requested it.
	ErrThemeMismatch = errors.New("service: bundle type does not match the pending entry")
	// ErrUnknownUpdateID marks an update for an extension that is neither
	// pending nor installed.
	ErrUnknownUpdateID = errors.New("service: update for unknown extension")
	// ErrOlderExternalVersion marks an external registration older than
	// the installed version.
	ErrOlderExternalVersion = errors.New("service: external registration is older than the installed version")
)

const (
	// sourceName tags the publish context of every event the service emits.
	sourceName = "extension-service"

	// prefsOpTimeout bounds one preference store round trip from the
	// control context.
	prefsOpTimeout = 5 * time.Second

	// publishTimeout bounds event fan-out from the control context.
	publishTimeout = 2 * time.Second

	// closeTimeout bounds queue draining during Close.
	closeTimeout = 30 * time.Second
)

// PendingExtension tracks an extension an external actor asked the service
// to expect before its bundle has arrived.
type PendingExtension struct {
	ID              string
	UpdateURL       string
	Version         *semver.Version
	IsTheme         bool
	InstallSilently bool
}

// overrideEntry is one extension's claim on a host page. The newest claim
// sits at the front of the page's list.
type overrideEntry struct {
	extensionID string
	url         string
}

// Service is the extension lifecycle manager.
type Service struct {
	cfg   Config
	prefs prefs.Store

	bus     notify.Bus
	ownsBus bool

	control *taskq.Queue
	backend *backend.Backend
	upd     *updater.Updater

	// Everything below is owned by the control queue.
	currentOp        string
	enabled          []*extension.Extension
	disabled         []*extension.Extension
	pending          map[string]*PendingExtension
	unloadedPaths    map[string]string
	orphanedSessions map[string]uint64
	startedRouters   map[string]struct{}
	overrides        map[string][]overrideEntry
	components       []*extension.Extension

	readyMu   sync.Mutex
	readyCond *sync.Cond
	ready     bool

	watchCtx    context.Context
	watchCancel context.CancelFunc
	watchOnce   sync.Once
	watchWg     sync.WaitGroup

	subID     string
	closeOnce sync.Once
}

// New creates a Service, its control queue and its installation backend.
// The service is idle until Init is called.
func New(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Installer == nil {
		cfg.Installer = installer.NewDirInstaller(cfg.InstallDir)
	}
	if cfg.GalleryURL == "" {
		cfg.GalleryURL = DefaultGalleryURL
	}
	if cfg.MiniGalleryURL == "" {
		cfg.MiniGalleryURL = DefaultMiniGalleryURL
	}

	s := &Service{
		cfg:              cfg,
		prefs:            cfg.Prefs,
		bus:              cfg.Bus,
		pending:          make(map[string]*PendingExtension),
		unloadedPaths:    make(map[string]string),
		orphanedSessions: make(map[string]uint64),
		startedRouters:   make(map[string]struct{}),
		overrides:        make(map[string][]overrideEntry),
	}
	s.readyCond = sync.NewCond(&s.readyMu)
	s.watchCtx, s.watchCancel = context.WithCancel(context.Background())
	if s.bus == nil {
		s.bus = notify.New()
		s.ownsBus = true
	}

	components, err := parseComponents(cfg.Components)
	if err != nil {
		s.watchCancel()
		if s.ownsBus {
			_ = s.bus.Close()
		}
		return nil, err
	}
	s.components = components

	var queueOpts []taskq.Option
	if cfg.QueueSize > 0 {
		queueOpts = append(queueOpts, taskq.WithBufferSize(cfg.QueueSize))
	}
	s.control = taskq.New("control", queueOpts...)

	s.backend, err = backend.New(backend.Config{
		InstallDir:  cfg.InstallDir,
		Installer:   cfg.Installer,
		Providers:   cfg.Providers,
		Frontend:    &backendEvents{s: s},
		DataDeleter: cfg.DataDeleter,
		QueueSize:   cfg.QueueSize,
	})
	if err != nil {
		s.watchCancel()
		s.control.Close()
		if s.ownsBus {
			_ = s.bus.Close()
		}
		return nil, err
	}

	if !cfg.DisableAutoupdate {
		updOpts := []updater.Option{updater.WithPingStore(cfg.Prefs)}
		if cfg.UpdateFrequency > 0 {
			updOpts = append(updOpts, updater.WithFrequency(cfg.UpdateFrequency))
		}
		if cfg.UpdateThrottle != nil {
			updOpts = append(updOpts, updater.WithThrottle(cfg.UpdateThrottle))
		}
		s.upd = updater.New(s.runUpdateCheck, updOpts...)
	}

	s.subID, err = s.bus.Subscribe(context.Background(), notify.Handler(s.onHostEvent), []notify.EventType{
		notify.EventExtensionProcessTerminated,
		notify.EventBackgroundHostReady,
	})
	if err != nil {
		s.watchCancel()
		s.backend.Close()
		s.control.Close()
		if s.ownsBus {
			_ = s.bus.Close()
		}
		return nil, fmt.Errorf("service: subscribe to host events: %w", err)
	}

	log.Info().
		Str("install_dir", cfg.InstallDir).
		Int("providers", len(cfg.Providers)).
		Int("components", len(s.components)).
		Bool("extensions_enabled", !cfg.DisableExtensions).
		Msg("extension service created")
	return s, nil
}

// Close stops the update scheduler, drains both queues, drops every
// registered record without emitting notifications and releases the bus
// when the service created it. Safe to call more than once.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		if s.upd != nil {
			s.upd.Stop()
		}
		s.watchCancel()
		s.watchWg.Wait()
		if uerr := s.bus.Unsubscribe(ctx, s.subID); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to unsubscribe from host events")
		}
		if ferr := s.backend.Flush(ctx); ferr != nil {
			log.Warn().Err(ferr).Msg("file queue did not drain before close")
		}
		if derr := s.control.Do(ctx, s.unloadAll); derr != nil {
			log.Warn().Err(derr).Msg("control queue did not drain before close")
		}
		s.backend.Close()
		s.control.Close()
		if s.ownsBus {
			err = s.bus.Close()
		}
		log.Info().Msg("extension service closed")
	})
	return err
}

// Flush blocks until all work queued on both execution contexts before the
// call has run, including one full control-file-control round trip. Backend
// completions queued by that trip are covered; best-effort cleanup they
// schedule afterwards is not.
func (s *Service) Flush(ctx context.Context) error {
	if err := s.control.Flush(ctx); err != nil {
		return err
	}
	if err := s.backend.Flush(ctx); err != nil {
		return err
	}
	return s.control.Flush(ctx)
}

// Bus returns the notification bus hosts subscribe to.
func (s *Service) Bus() notify.Bus {
	return s.bus
}

// Ready reports whether the startup load has completed.
func (s *Service) Ready() bool {
	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	return s.ready
}

// WaitUntilReady blocks until the startup load completes or ctx expires.
func (s *Service) WaitUntilReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.readyMu.Lock()
		s.readyCond.Broadcast()
		s.readyMu.Unlock()
	})
	defer stop()

	s.readyMu.Lock()
	defer s.readyMu.Unlock()
	for !s.ready {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("service: waiting for extensions to load: %w", err)
		}
		s.readyCond.Wait()
	}
	return nil
}

// IsIncognitoEnabled reports whether id may run in incognito sessions.
// Component extensions always may.
func (s *Service) IsIncognitoEnabled(id string) bool {
	id = extension.NormalizeID(id)
	var allowed bool
	s.do(func() {
		if ext := s.lookupAny(id); ext != nil && ext.Location == extension.LocationComponent {
			allowed = true
			return
		}
		ctx, cancel := s.prefsCtx()
		defer cancel()
		v, err := s.prefs.IsIncognitoEnabled(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("id", id).Msg("failed to read incognito flag")
			return
		}
		allowed = v
	})
	return allowed
}

// SetIsIncognitoEnabled persists whether id may run in incognito sessions
// and bounces the extension's load notifications so hosts pick the change
// up.
func (s *Service) SetIsIncognitoEnabled(id string, enabled bool) {
	id = extension.NormalizeID(id)
	s.do(func() {
		ctx, cancel := s.prefsCtx()
		err := s.prefs.SetIncognitoEnabled(ctx, id, enabled)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("id", id).Msg("failed to persist incognito flag")
			return
		}
		if ext := s.lookupEnabled(id); ext != nil {
			s.publish(notify.Event{Type: notify.EventExtensionUnloaded, ExtensionID: ext.ID, Extension: ext})
			s.publish(notify.Event{Type: notify.EventExtensionLoaded, ExtensionID: ext.ID, Extension: ext})
		}
	})
}

// IsDownloadFromGallery reports whether both the download and the page
// that linked it come from the configured gallery.
func (s *Service) IsDownloadFromGallery(downloadURL, referrerURL string) bool {
	return hasPrefixFold(downloadURL, s.cfg.GalleryURL) && hasPrefixFold(referrerURL, s.cfg.GalleryURL)
}

// IsDownloadFromMiniGallery reports whether the download comes from the
// configured mini gallery.
func (s *Service) IsDownloadFromMiniGallery(downloadURL string) bool {
	return hasPrefixFold(downloadURL, s.cfg.MiniGalleryURL)
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// LastPingDay returns the day of the last update check.
func (s *Service) LastPingDay(ctx context.Context) (time.Time, error) {
	return s.prefs.LastPingDay(ctx)
}

// SetLastPingDay records the day of the last update check.
func (s *Service) SetLastPingDay(ctx context.Context, day time.Time) error {
	return s.prefs.SetLastPingDay(ctx, day)
}

// do runs task on the control queue and waits for it. After Close the task
// is dropped with a warning.
func (s *Service) do(task func()) {
	if err := s.control.Do(context.Background(), task); err != nil {
		log.Warn().Err(err).Msg("control operation dropped")
	}
}

// prefsCtx returns the bounded context control tasks use for preference
// store calls.
func (s *Service) prefsCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), prefsOpTimeout)
}

// publish emits one lifecycle event without blocking the control context
// on slow subscribers. Events emitted while a backend completion is being
// processed carry that operation's id, so listeners can correlate the
// notifications one install or load produced.
func (s *Service) publish(ev notify.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	ctx = meta.WithSource(ctx, sourceName)
	if s.currentOp != "" {
		meta.FromContext(ctx).Set(meta.OperationKey, s.currentOp)
	}
	if err := s.bus.TryPublish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish lifecycle event")
	}
}

// runUpdateCheck adapts the update scheduler onto the control context.
func (s *Service) runUpdateCheck(ctx context.Context) {
	if err := s.control.Do(ctx, s.checkForExternalUpdates); err != nil {
		log.Warn().Err(err).Msg("scheduled update check dropped")
	}
}

// onHostEvent consumes the host-published notifications the service reacts
// to. It runs on a bus delivery goroutine and only posts work.
func (s *Service) onHostEvent(ctx context.Context, ev notify.Event) {
	id := extension.NormalizeID(ev.ExtensionID)
	log.Debug().
		Str("event_type", string(ev.Type)).
		Str("id", id).
		Str("source", meta.Source(ctx)).
		Msg("host event received")

	var err error
	switch ev.Type {
	case notify.EventExtensionProcessTerminated:
		err = s.control.Post(func() { s.handleProcessTerminated(id) })
	case notify.EventBackgroundHostReady:
		err = s.control.Post(func() { s.handleBackgroundHostReady(id) })
	}
	if err != nil {
		log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("host event dropped")
	}
}

// handleProcessTerminated unloads an extension whose execution process
// died, keeping the registries consistent with what is actually running.
func (s *Service) handleProcessTerminated(id string) {
	if s.lookupAny(id) == nil {
		log.Debug().Str("id", id).Msg("terminated process for an unregistered extension, ignoring")
		return
	}
	log.Warn().Str("id", id).Msg("extension process terminated, unloading")
	s.unloadExtension(id)
}

// handleBackgroundHostReady reattaches an orphaned debugging session once
// the reloaded extension's background context is up.
func (s *Service) handleBackgroundHostReady(id string) {
	session, ok := s.orphanedSessions[id]
	if !ok {
		return
	}
	delete(s.orphanedSessions, id)
	if s.cfg.Debugger == nil {
		return
	}
	s.cfg.Debugger.Reattach(session, id)
	log.Info().Str("id", id).Uint64("session", session).Msg("debugger session reattached")
}
