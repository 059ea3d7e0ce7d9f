package pdu

import "sync/atomic"

// Metrics contains atomic counters of an Engine.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc.
type Metrics struct {
	// FramesSent indicates the number of frames written to the channel.
	FramesSent atomic.Uint64
	// FramesRecv indicates the number of frames read from the channel.
	FramesRecv atomic.Uint64
	// Timeouts indicates the number of requests resolved to ErrTimeout.
	Timeouts atomic.Uint64
	// Unmatched indicates the number of received frames without a pending request.
	Unmatched atomic.Uint64
	// DecodeErrors indicates the number of received frames that failed to decode.
	DecodeErrors atomic.Uint64
	// Stale indicates the number of queued frames dropped because the driver
	// they were queued for has stopped.
	Stale atomic.Uint64
	// SendErrors indicates the number of frames the channel failed to send.
	SendErrors atomic.Uint64
	// Inflight indicates the number of requests awaiting a response.
	Inflight atomic.Int64
}

func (m *Metrics) incFramesSent()   { m.FramesSent.Add(1) }
func (m *Metrics) incFramesRecv()   { m.FramesRecv.Add(1) }
func (m *Metrics) incTimeouts()     { m.Timeouts.Add(1) }
func (m *Metrics) incUnmatched()    { m.Unmatched.Add(1) }
func (m *Metrics) incDecodeErrors() { m.DecodeErrors.Add(1) }
func (m *Metrics) incSendErrors()   { m.SendErrors.Add(1) }
func (m *Metrics) incStale()        { m.Stale.Add(1) }
func (m *Metrics) incInflight()     { m.Inflight.Add(1) }
func (m *Metrics) decInflight()     { m.Inflight.Add(-1) }
