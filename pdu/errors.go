package pdu

import "errors"

var (
	// ErrTimeout indicates that no matching response arrived within the response timeout.
	ErrTimeout = errors.New("pdu: response timeout")

	// ErrCancelled indicates that the driver stopped while the request was outstanding.
	ErrCancelled = errors.New("pdu: request cancelled")

	// ErrInflightFull indicates that every datagram index is in use.
	ErrInflightFull = errors.New("pdu: too many requests in flight")

	// ErrNotDriven indicates that no driver currently owns the transport halves.
	ErrNotDriven = errors.New("pdu: no driver attached to the engine")

	// ErrAlreadySplit indicates that the engine halves were already handed out.
	ErrAlreadySplit = errors.New("pdu: engine can only be split once")
)

var (
	// ErrDriverRunning indicates that a driver is already bound to the halves.
	ErrDriverRunning = errors.New("pdu: driver already running")

	// ErrDriverStopped indicates that Stop was called on a stopped driver.
	ErrDriverStopped = errors.New("pdu: driver already stopped")
)

var (
	// ErrTransportBusy indicates that the transport halves are currently leased.
	ErrTransportBusy = errors.New("pdu: transport busy, already leased")

	// ErrLeaseReleased indicates that the lease was already released.
	ErrLeaseReleased = errors.New("pdu: lease already released")

	// ErrForeignHalves indicates that the released halves do not belong to the registry.
	ErrForeignHalves = errors.New("pdu: halves do not belong to this registry")

	// ErrAlreadyInstalled indicates that a process-wide registry was already installed.
	ErrAlreadyInstalled = errors.New("pdu: default registry already installed")

	// ErrNoDefaultRegistry indicates that no process-wide registry was installed.
	ErrNoDefaultRegistry = errors.New("pdu: no default registry installed")
)
