// Package installer verifies extension bundles and copies them into the
// managed install tree. It is deliberately unaware of registries and
// lifecycle state; the service layer decides what happens to the installed
// record afterwards.
package installer

import (
	"context"
	"errors"

	"github.com/hostbridge/extmgr/extension"
)

// ErrUnexpectedID is returned when a bundle resolves to a different
// extension id than the job demanded. Update flows use this to reject a
// fetched bundle that does not belong to the extension being updated.
var ErrUnexpectedID = errors.New("installer: bundle does not match expected id")

// Job describes one install request.
type Job struct {
	// SourcePath is the unpacked bundle directory holding manifest.json.
	SourcePath string

	// ExpectedID, when set, must match the id the bundle resolves to.
	// Keyless bundles adopt it as their identity.
	ExpectedID string

	// OriginURL is the locator the bundle was fetched from, carried into
	// the install report for download attribution.
	OriginURL string

	// Location records how this extension arrived.
	Location extension.Location

	// AllowPrivilegeIncrease authorizes the installed record to carry more
	// capabilities than the version it replaces without being parked for
	// re-approval.
	AllowPrivilegeIncrease bool

	// Silent marks installs no user is watching interactively, such as
	// provider and updater driven ones.
	Silent bool

	// DeleteSource removes the bundle directory after a successful install.
	DeleteSource bool
}

// Installer turns a verified bundle into an installed extension record
// rooted in the managed tree.
type Installer interface {
	Install(ctx context.Context, job Job) (*extension.Extension, error)
}
