package ecat

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/pdu"
)

var (
	// ErrTransportBusy indicates that the transport is leased by a scan or a cyclic loop.
	ErrTransportBusy = pdu.ErrTransportBusy

	// ErrTimeout indicates that a datagram got no response within the response timeout.
	ErrTimeout = pdu.ErrTimeout

	// ErrLinkClosed indicates that the link was used after Close.
	ErrLinkClosed = errors.New("ecat: link closed")

	// ErrForeignLink indicates that a link of another master was passed to a group.
	ErrForeignLink = errors.New("ecat: link belongs to another master")
)

var (
	// ErrCapacityExceeded indicates that the discovered segment does not fit the group capacity.
	ErrCapacityExceeded = errors.New("ecat: group capacity exceeded")

	// ErrInvalidCapacity indicates a capacity that is not a positive power of two.
	ErrInvalidCapacity = errors.New("ecat: capacity must be a positive power of two")

	// ErrAddressAssignment indicates that a SubDevice did not accept its configured address.
	ErrAddressAssignment = errors.New("ecat: address assignment failed")
)

var (
	// ErrConfig indicates that a SubDevice rejected its mailbox configuration.
	ErrConfig = errors.New("ecat: configuration error")

	// ErrMismatch indicates that a SubDevice reports a different identity or process-data size.
	ErrMismatch = errors.New("ecat: subdevice mismatch")

	// ErrSyncTimeout indicates that distributed clocks did not converge within the mailbox timeout.
	ErrSyncTimeout = errors.New("ecat: distributed clock sync timeout")

	// ErrStateTimeout indicates that a SubDevice did not reach the requested AL state in time.
	ErrStateTimeout = errors.New("ecat: state change timeout")

	// ErrInvalidTransition indicates a group transition requested out of order.
	ErrInvalidTransition = errors.New("ecat: invalid state transition")

	// ErrNotOperational indicates a process-data exchange on a group that is not in Op.
	ErrNotOperational = errors.New("ecat: group is not operational")

	// ErrGroupFaulted indicates that the group faulted and needs re-discovery.
	ErrGroupFaulted = errors.New("ecat: group faulted")

	// ErrWorkingCounter indicates that fewer SubDevices than expected served a datagram.
	ErrWorkingCounter = errors.New("ecat: unexpected working counter")

	// ErrMalformedResponse indicates a response whose payload does not match the request.
	ErrMalformedResponse = errors.New("ecat: malformed response")

	// ErrMailboxUnsupported indicates that the SubDevice has no mailbox or is not in PreOp yet.
	ErrMailboxUnsupported = errors.New("ecat: mailbox not available")

	// ErrSubDeviceNotFound indicates a lookup by address or name without match.
	ErrSubDeviceNotFound = errors.New("ecat: subdevice not found")
)

// DeviceError is a failure attributed to one SubDevice.
//
// Err is one of the category errors of this package (ErrConfig, ErrMismatch,
// ErrStateTimeout...), Cause the underlying failure, if any. Both match with errors.Is.
type DeviceError struct {
	Address uint16
	Op      string
	Err     error
	Cause   error
}

func (e *DeviceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: subdevice %#04x: %s: %v", e.Err, e.Address, e.Op, e.Cause)
	}

	return fmt.Sprintf("%s: subdevice %#04x: %s", e.Err, e.Address, e.Op)
}

func (e *DeviceError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}

	return []error{e.Err}
}

// WorkingCounterError reports the working counter of a datagram that was not
// served by every addressed SubDevice.
type WorkingCounterError struct {
	Command  string
	Expected uint16
	Actual   uint16
}

func (e *WorkingCounterError) Error() string {
	return fmt.Sprintf("%s: %s expected %d, got %d", ErrWorkingCounter, e.Command, e.Expected, e.Actual)
}

func (e *WorkingCounterError) Unwrap() error { return ErrWorkingCounter }

// ALStatusError reports a SubDevice that refused a state change.
type ALStatusError struct {
	State esc.ALState
	Code  uint16
}

func (e *ALStatusError) Error() string {
	return fmt.Sprintf("ecat: state change refused, al status %s, code %#04x", e.State, e.Code)
}
