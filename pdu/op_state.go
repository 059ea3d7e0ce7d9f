package pdu

import "sync/atomic"

// DriverState is the run state of the I/O task bound to an engine.
type DriverState uint32

const (
	DriverStopped DriverState = iota
	DriverStarting
	DriverRunning
	DriverStopping
)

func (s DriverState) String() string {
	switch s {
	case DriverStopped:
		return "stopped"
	case DriverStarting:
		return "starting"
	case DriverRunning:
		return "running"
	case DriverStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// atomicDriverState is a lock-free DriverState with CAS transitions.
type atomicDriverState struct {
	state atomic.Uint32
}

func (st *atomicDriverState) Get() DriverState {
	return DriverState(st.state.Load())
}

func (st *atomicDriverState) IsRunning() bool {
	return st.Get() == DriverRunning
}

func (st *atomicDriverState) ToStarting() bool {
	return st.state.CompareAndSwap(uint32(DriverStopped), uint32(DriverStarting))
}

func (st *atomicDriverState) ToRunning() bool {
	return st.state.CompareAndSwap(uint32(DriverStarting), uint32(DriverRunning))
}

func (st *atomicDriverState) ToStopping() bool {
	if st.state.CompareAndSwap(uint32(DriverRunning), uint32(DriverStopping)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(DriverStarting), uint32(DriverStopping))
}

func (st *atomicDriverState) ToStopped() {
	st.state.Store(uint32(DriverStopped))
}
