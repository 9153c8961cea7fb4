// Package backend performs the blocking filesystem and provider work of the
// extension lifecycle on a dedicated serial queue, keeping the registry
// context free of I/O. Every operation is asynchronous; completions are
// delivered through the Frontend callbacks.
package backend

import (
	"context"
	"errors"

	"github.com/Masterminds/semver/v3"

	"github.com/hostbridge/extmgr/extension"
	"github.com/hostbridge/extmgr/installer"
	"github.com/hostbridge/extmgr/provider"
	"github.com/hostbridge/extmgr/taskq"
)

// Frontend receives completion callbacks from backend tasks. Implementations
// must marshal the calls onto their own serialized context; the backend
// invokes them from its file queue.
type Frontend interface {
	// OnExtensionsLoaded delivers a batch of freshly loaded extension
	// records ready for registry admission.
	OnExtensionsLoaded(exts []*extension.Extension)

	// OnLoadedInstalledExtensions signals that the startup batch of
	// installed extensions has been fully processed.
	OnLoadedInstalledExtensions()

	// OnExtensionInstalled delivers a record the installer just placed
	// into the managed tree, along with whether the job authorized a
	// privilege increase over the version it replaces.
	OnExtensionInstalled(ext *extension.Extension, allowPrivilegeIncrease bool)

	// OnExtensionInstallError reports a failed install. id may be empty
	// when the bundle never resolved to an identity.
	OnExtensionInstallError(id string, err error)

	// OnExternalExtensionFound reports one provider registration seen
	// during an external update check.
	OnExternalExtensionFound(id string, version *semver.Version, path string, location extension.Location)

	// UninstallExtension asks the frontend to drop an extension whose
	// external provider no longer claims it.
	UninstallExtension(id string, externalUninstall bool)
}

// DataDeleter clears data an extension origin accumulated while running,
// such as local storage or cached responses. Uninstall invokes it so a
// removed extension leaves nothing behind.
type DataDeleter interface {
	DeleteExtensionData(ctx context.Context, origin string) error
}

// Config wires a Backend.
type Config struct {
	// InstallDir is the root of the managed extension tree.
	InstallDir string

	// Installer places verified bundles into the managed tree.
	Installer installer.Installer

	// Providers maps each external location to the authority serving it.
	Providers map[extension.Location]provider.Provider

	// Frontend receives completion callbacks. Required.
	Frontend Frontend

	// DataDeleter handles origin data cleanup on uninstall. Optional.
	DataDeleter DataDeleter

	// QueueSize overrides the file queue's buffer size when positive.
	QueueSize int
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.InstallDir == "" {
		return errors.New("backend: install directory is required")
	}
	if c.Installer == nil {
		return errors.New("backend: installer is required")
	}
	if c.Frontend == nil {
		return errors.New("backend: frontend is required")
	}
	return nil
}

// Backend owns the file queue and the blocking halves of install, load,
// external-check and cleanup work.
type Backend struct {
	cfg   Config
	queue *taskq.Queue
}

// New creates a Backend and starts its file queue.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var queueOpts []taskq.Option
	if cfg.QueueSize > 0 {
		queueOpts = append(queueOpts, taskq.WithBufferSize(cfg.QueueSize))
	}
	return &Backend{
		cfg:   cfg,
		queue: taskq.New("file", queueOpts...),
	}, nil
}

// Flush blocks until every task queued before the call has run. Intended
// for tests and shutdown sequencing.
func (b *Backend) Flush(ctx context.Context) error {
	return b.queue.Flush(ctx)
}

// Close drains and stops the file queue.
func (b *Backend) Close() {
	b.queue.Close()
}
