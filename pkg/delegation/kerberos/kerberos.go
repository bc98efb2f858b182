// Package kerberos is a placeholder delegation module for Kerberos
// constrained delegation (S4U2Self/S4U2Proxy) targets. No S4U library in
// the example corpus offered a Go-native client suitable for wiring; the
// module exists so configuration and the registry's module-type dispatch
// have a stable name to reference ahead of a real implementation.
package kerberos

import (
	"context"
	"fmt"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/delegation"
)

// ErrNotImplemented is returned by every operational method.
var ErrNotImplemented = fmt.Errorf("kerberos: module not implemented")

// Module satisfies delegation.Module but performs no delegation.
type Module struct {
	name string
}

// New constructs a named placeholder Module.
func New(name string) *Module {
	return &Module{name: name}
}

// Name implements delegation.Module.
func (m *Module) Name() string { return m.name }

// Initialize implements delegation.Module.
func (*Module) Initialize(context.Context) error { return nil }

// HealthCheck implements delegation.Module.
func (*Module) HealthCheck(context.Context) error { return ErrNotImplemented }

// Destroy implements delegation.Module.
func (*Module) Destroy(context.Context) error { return nil }

// Delegate implements delegation.Module.
func (m *Module) Delegate(context.Context, *auth.UserSession, delegation.Request) (delegation.Result, delegation.AuditTrail, error) {
	return delegation.Result{}, delegation.AuditTrail{Source: fmt.Sprintf("delegation:%s", m.name), Success: false}, ErrNotImplemented
}
