// Package provider supplies externally managed extension registrations.
//
// A provider answers two questions: which extensions does some outside
// authority want installed (Visit), and does that authority still claim a
// particular extension (Lookup). Providers never touch the registry
// themselves; the lifecycle service decides what to do with each
// registration.
package provider

import (
	"context"
	"errors"

	"github.com/Masterminds/semver/v3"

	"github.com/hostbridge/extmgr/extension"
)

// ErrNotRegistered is returned by Lookup when the provider has no claim on
// the given extension id.
var ErrNotRegistered = errors.New("provider: extension not registered")

// Registration describes one externally provisioned extension.
type Registration struct {
	ID       string
	Version  *semver.Version
	Path     string
	Location extension.Location
}

// Visitor receives each registration during a Visit pass.
type Visitor func(ctx context.Context, reg *Registration)

// Provider enumerates and answers for externally provisioned extensions.
type Provider interface {
	// Location reports which install location this provider serves.
	Location() extension.Location

	// Visit calls the visitor for every current registration whose id is
	// not in the ignore set. The ignore set may be nil.
	Visit(ctx context.Context, visit Visitor, ignore map[string]struct{}) error

	// Lookup returns the registration for id, or ErrNotRegistered when the
	// provider no longer claims it.
	Lookup(ctx context.Context, id string) (*Registration, error)
}
