package service

import (
	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/hostbridge/extmgr/backend"
	"github.com/hostbridge/extmgr/extension"
)

// backendEvents adapts backend completion callbacks onto the control
// queue. The backend invokes these from its file queue; every handler
// posts and returns immediately.
type backendEvents struct {
	s *Service
}

var _ backend.Frontend = (*backendEvents)(nil)

func (f *backendEvents) OnExtensionsLoaded(exts []*extension.Extension) {
	f.post(func() {
		for _, ext := range exts {
			f.s.admitLoaded(ext)
		}
	})
}

func (f *backendEvents) OnLoadedInstalledExtensions() {
	f.post(f.s.finishStartupLoad)
}

func (f *backendEvents) OnExtensionInstalled(ext *extension.Extension, allowPrivilegeIncrease bool) {
	f.post(func() { f.s.finishInstall(ext, allowPrivilegeIncrease) })
}

func (f *backendEvents) OnExtensionInstallError(id string, err error) {
	f.post(func() { f.s.finishInstallError(id, err) })
}

func (f *backendEvents) OnExternalExtensionFound(id string, version *semver.Version, path string, location extension.Location) {
	f.post(func() { f.s.considerExternalExtension(extension.NormalizeID(id), version, path, location) })
}

func (f *backendEvents) UninstallExtension(id string, externalUninstall bool) {
	f.post(func() { f.s.uninstallExtension(extension.NormalizeID(id), externalUninstall) })
}

// post runs task on the control queue under a fresh operation id; events
// the task publishes carry it.
func (f *backendEvents) post(task func()) {
	op := uuid.NewString()
	err := f.s.control.Post(func() {
		f.s.currentOp = op
		defer func() { f.s.currentOp = "" }()
		task()
	})
	if err != nil {
		log.Warn().Err(err).Msg("backend completion dropped, control queue closed")
	}
}
