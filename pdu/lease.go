package pdu

import (
	"sync"
	"sync/atomic"
)

// LeaseState is the observable state of a Registry.
type LeaseState uint8

const (
	// LeaseFree indicates that the halves are parked in the registry.
	LeaseFree LeaseState = iota
	// LeaseLeased indicates that a lease holder owns the halves.
	LeaseLeased
)

// String returns string representation of the lease state.
func (s LeaseState) String() string {
	if s == LeaseLeased {
		return "leased"
	}

	return "free"
}

// Registry guards exclusive ownership of an engine's Halves.
//
// The registry is Free (holding the halves) or Leased (holding nothing).
// Acquire and Release are serialized by a single mutex, so two racing
// acquirers never both observe Free.
type Registry struct {
	mu     sync.Mutex
	halves *Halves // nil while leased
	owner  *Halves // the halves this registry was created with
	grants atomic.Uint64
}

// NewRegistry creates a Free registry parking h.
func NewRegistry(h *Halves) *Registry {
	return &Registry{halves: h, owner: h}
}

// State returns the current lease state.
func (r *Registry) State() LeaseState {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halves == nil {
		return LeaseLeased
	}

	return LeaseFree
}

// Engine returns the engine whose halves the registry guards.
func (r *Registry) Engine() *Engine { return r.owner.engine }

// Grants returns the number of successful Acquire calls.
func (r *Registry) Grants() uint64 { return r.grants.Load() }

// Acquire transitions Free to Leased and returns the lease.
// It fails with ErrTransportBusy while the registry is Leased.
func (r *Registry) Acquire() (*Lease, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.halves == nil {
		return nil, ErrTransportBusy
	}

	lease := &Lease{registry: r, halves: r.halves}
	r.halves = nil
	r.grants.Add(1)

	return lease, nil
}

// release parks h and transitions Leased to Free.
func (r *Registry) release(h *Halves) error {
	if h == nil || h != r.owner {
		return ErrForeignHalves
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.halves = h

	return nil
}

// Lease is the exclusive right to use the halves until Release.
type Lease struct {
	registry *Registry
	halves   *Halves
	released atomic.Bool
}

// Halves returns the leased halves.
func (l *Lease) Halves() *Halves { return l.halves }

// Released reports whether the lease was released.
func (l *Lease) Released() bool { return l.released.Load() }

// Release returns h, the halves obtained from Halves (usually handed back by
// Driver.Stop), to the registry. A lease can be released once; further calls
// return ErrLeaseReleased. A driver must not be running on h.
func (l *Lease) Release(h *Halves) error {
	if h != l.halves {
		return ErrForeignHalves
	}
	if h.engine.state.Get() != DriverStopped {
		return ErrDriverRunning
	}
	if !l.released.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}

	return l.registry.release(h)
}

var (
	defaultMu       sync.Mutex
	defaultRegistry *Registry
)

// InstallDefault installs r as the process-wide registry. It succeeds once.
func InstallDefault(r *Registry) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRegistry != nil {
		return ErrAlreadyInstalled
	}
	defaultRegistry = r

	return nil
}

// Default returns the process-wide registry installed by InstallDefault.
func Default() (*Registry, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultRegistry == nil {
		return nil, ErrNoDefaultRegistry
	}

	return defaultRegistry, nil
}
