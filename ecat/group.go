package ecat

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
)

// dcMaxDeviation is the clock deviation, in nanoseconds, below which the
// segment counts as synchronized.
const dcMaxDeviation = 100

// Group is the state machine and process image of a set of SubDevices.
//
// The image holds the output region followed by the input region; SubDevice
// windows are packed in discovery order within each region. Transitions
// and exchanges need an attached Link of the master that scanned the group.
type Group struct {
	master   *Master
	scanID   string
	iface    string
	capacity Capacity
	devices  []*SubDevice
	byName   map[string]*SubDevice

	outLen      int
	inLen       int
	image       []byte
	expectedWKC uint16

	stateMgr *stateMgr
	logger   logger.Logger

	tmu sync.Mutex // serializes transitions
	xmu sync.Mutex // guards image and serializes exchanges
}

func newGroup(m *Master, scanID string, iface string, devices []*SubDevice) (*Group, error) {
	capacity := m.cfg.capacity
	if len(devices) > capacity.SubDevices {
		return nil, fmt.Errorf("%w: %d subdevices, capacity %d", ErrCapacityExceeded, len(devices), capacity.SubDevices)
	}

	g := &Group{
		master:   m,
		scanID:   scanID,
		iface:    iface,
		capacity: capacity,
		devices:  devices,
		byName:   make(map[string]*SubDevice, len(devices)),
		logger:   m.logger.With("scan_id", scanID),
	}

	for _, sd := range devices {
		sd.outputs.Offset = g.outLen
		g.outLen += sd.outputs.Len
		sd.inputs.Offset = g.inLen
		g.inLen += sd.inputs.Len

		// logical read/write counts 2 per written and 1 per read SubDevice
		if sd.outputs.Len > 0 {
			g.expectedWKC += 2
		}
		if sd.inputs.Len > 0 {
			g.expectedWKC++
		}

		if _, ok := g.byName[sd.name]; !ok {
			g.byName[sd.name] = sd
		}
	}

	if size := g.outLen + g.inLen; size > capacity.ImageBytes {
		return nil, fmt.Errorf("%w: image of %d bytes, capacity %d", ErrCapacityExceeded, size, capacity.ImageBytes)
	}

	g.image = make([]byte, g.outLen+g.inLen)
	g.stateMgr = newStateMgr(g, g.logger)

	return g, nil
}

// ScanID returns the identifier of the scan that created the group.
func (g *Group) ScanID() string { return g.scanID }

// State returns the current group state.
func (g *Group) State() GroupState { return g.stateMgr.State() }

// Err returns the error that faulted the group, or nil.
func (g *Group) Err() error { return g.stateMgr.err() }

// AddHandler adds handlers invoked on every state change.
func (g *Group) AddHandler(handlers ...StateChangeHandler) {
	g.stateMgr.AddHandler(handlers...)
}

// WaitState waits until the group reaches state or ctx is done.
// It returns ErrGroupFaulted if the group faults while waiting.
func (g *Group) WaitState(ctx context.Context, state GroupState) error {
	return g.stateMgr.WaitState(ctx, state)
}

// Len returns the number of SubDevices.
func (g *Group) Len() int { return len(g.devices) }

// Capacity returns the static capacity of the group.
func (g *Group) Capacity() Capacity { return g.capacity }

// OutputLen returns the size of the output region.
func (g *Group) OutputLen() int { return g.outLen }

// InputLen returns the size of the input region.
func (g *Group) InputLen() int { return g.inLen }

// SubDevices returns the SubDevices in discovery order.
func (g *Group) SubDevices() []*SubDevice {
	return append([]*SubDevice(nil), g.devices...)
}

// Lookup returns the SubDevice with the configured address.
func (g *Group) Lookup(address uint16) (*SubDevice, error) {
	idx := int(address) - int(FirstAddress)
	if idx < 0 || idx >= len(g.devices) {
		return nil, fmt.Errorf("%w: address %#04x", ErrSubDeviceNotFound, address)
	}

	return g.devices[idx], nil
}

// LookupName returns the first SubDevice with the given name.
func (g *Group) LookupName(name string) (*SubDevice, error) {
	sd, ok := g.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: name %q", ErrSubDeviceNotFound, name)
	}

	return sd, nil
}

// Each calls fn for every SubDevice in discovery order with its process-data
// windows. The windows are only valid during fn; fn must not call Exchange.
func (g *Group) Each(fn func(sd *SubDevice, io IO)) {
	g.xmu.Lock()
	defer g.xmu.Unlock()

	for _, sd := range g.devices {
		fn(sd, g.view(sd))
	}
}

func (g *Group) view(sd *SubDevice) IO {
	out := g.image[sd.outputs.Offset:sd.outputs.End():sd.outputs.End()]
	in := g.image[g.outLen+sd.inputs.Offset : g.outLen+sd.inputs.End() : g.outLen+sd.inputs.End()]

	return IO{inputs: in, outputs: out}
}

// Summary describes the group for the diagnostic boundary.
func (g *Group) Summary() *Summary {
	s := &Summary{
		ScanID:      g.scanID,
		Interface:   g.iface,
		Capacity:    g.capacity,
		InputBytes:  g.inLen,
		OutputBytes: g.outLen,
		SubDevices:  make([]SubDeviceInfo, 0, len(g.devices)),
	}
	for _, sd := range g.devices {
		s.SubDevices = append(s.SubDevices, sd.Info())
	}

	return s
}

// Fault moves the group to FaultedState. The group refuses further exchanges
// and transitions; only a new scan recovers.
func (g *Group) Fault(err error) {
	g.stateMgr.fault(err)
}

func (g *Group) checkLink(link *Link) error {
	if link == nil || link.master != g.master || link.iface != g.iface {
		return ErrForeignLink
	}
	if link.closed.Load() {
		return ErrLinkClosed
	}

	return nil
}

// IntoPreOp configures the mailbox of every SubDevice and requests PreOp.
//
// It fails with a *DeviceError matching ErrConfig naming the first SubDevice
// that rejected its configuration. Calling it in PreOp is a no-op; calling it
// in a later state fails with ErrInvalidTransition.
func (g *Group) IntoPreOp(ctx context.Context, link *Link) error {
	if err := g.checkLink(link); err != nil {
		return err
	}

	g.tmu.Lock()
	defer g.tmu.Unlock()

	return g.transition(ctx, link, PreOpState)
}

// IntoSafeOp validates the process-data sizes and identity of every
// SubDevice, maps the image and requests SafeOp. Outputs are held at zero.
//
// A SubDevice reporting a different size or identity than discovered fails
// with a *DeviceError matching ErrMismatch. The group must be in PreOp.
func (g *Group) IntoSafeOp(ctx context.Context, link *Link) error {
	if err := g.checkLink(link); err != nil {
		return err
	}

	g.tmu.Lock()
	defer g.tmu.Unlock()

	return g.transition(ctx, link, SafeOpState)
}

// IntoOp synchronizes distributed clocks and requests Op.
//
// From Init or PreOp it performs the missing transitions in order; on
// failure the group stays at the last state it reached. Clocks that do not
// converge within the mailbox timeout fail with ErrSyncTimeout.
func (g *Group) IntoOp(ctx context.Context, link *Link) error {
	if err := g.checkLink(link); err != nil {
		return err
	}

	g.tmu.Lock()
	defer g.tmu.Unlock()

	for {
		cur := g.State()
		switch {
		case cur == OpState:
			return nil
		case cur == FaultedState:
			return ErrGroupFaulted
		}
		if err := g.transition(ctx, link, cur+1); err != nil {
			return err
		}
	}
}

// transition performs the single step into next. The caller holds tmu.
func (g *Group) transition(ctx context.Context, link *Link, next GroupState) error {
	cur := g.State()
	if cur == FaultedState {
		return ErrGroupFaulted
	}
	if cur == next {
		return nil
	}
	if next != cur+1 {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur, next)
	}

	start := time.Now()
	var err error
	switch next {
	case PreOpState:
		err = g.intoPreOp(ctx, link)
	case SafeOpState:
		err = g.intoSafeOp(ctx, link)
	case OpState:
		err = g.intoOp(ctx, link)
	}
	if err != nil {
		g.logger.Warn("group transition failed", "from", cur, "to", next, "error", err)
		return err
	}

	if err := g.stateMgr.advance(next); err != nil {
		return err
	}
	g.logger.Info("group state changed", "from", cur, "to", next, "elapsed", time.Since(start))

	return nil
}

func (g *Group) intoPreOp(ctx context.Context, link *Link) error {
	for _, sd := range g.devices {
		if sd.mailbox.Supported() {
			out := esc.SyncManager{Start: sd.mailbox.OutStart, Length: sd.mailbox.Size, Control: esc.SMControlMailboxWrite, Enable: true}
			in := esc.SyncManager{Start: sd.mailbox.InStart, Length: sd.mailbox.Size, Control: esc.SMControlMailboxRead, Enable: true}
			sms := append(out.Encode(), in.Encode()...)
			if err := link.fpwr(ctx, sd.address, esc.SyncManagerAddr(esc.SMMailboxOut), sms); err != nil {
				return &DeviceError{Address: sd.address, Op: "configure mailbox", Err: ErrConfig, Cause: err}
			}
		}

		if err := link.requestState(ctx, sd, esc.ALStatePreOp); err != nil {
			return &DeviceError{Address: sd.address, Op: "request pre-op", Err: ErrConfig, Cause: err}
		}
	}

	return nil
}

func (g *Group) intoSafeOp(ctx context.Context, link *Link) error {
	for _, sd := range g.devices {
		if err := g.verify(ctx, link, sd); err != nil {
			return err
		}
	}

	for _, sd := range g.devices {
		if err := g.mapProcessData(ctx, link, sd); err != nil {
			return &DeviceError{Address: sd.address, Op: "map process data", Err: ErrConfig, Cause: err}
		}
	}

	g.xmu.Lock()
	clear(g.image)
	g.xmu.Unlock()

	for _, sd := range g.devices {
		if err := link.requestState(ctx, sd, esc.ALStateSafeOp); err != nil {
			return &DeviceError{Address: sd.address, Op: "request safe-op", Err: ErrConfig, Cause: err}
		}
	}

	return nil
}

// verify compares the identity and process-data sizes reported by sd with
// the values read during discovery.
func (g *Group) verify(ctx context.Context, link *Link, sd *SubDevice) error {
	block, err := link.fprd(ctx, sd.address, esc.IdentityBlock, esc.IdentityBlockLen)
	if err != nil {
		return &DeviceError{Address: sd.address, Op: "read identity", Err: ErrMismatch, Cause: err}
	}
	info, err := esc.DecodeIdentity(block)
	if err != nil {
		return &DeviceError{Address: sd.address, Op: "read identity", Err: ErrMismatch, Cause: err}
	}
	if info.Identity != sd.identity {
		return &DeviceError{
			Address: sd.address, Op: "verify identity", Err: ErrMismatch,
			Cause: fmt.Errorf("discovered %s, reports %s", sd.identity, info.Identity),
		}
	}

	out, in, err := link.readProcessDataSM(ctx, sd)
	if err != nil {
		return &DeviceError{Address: sd.address, Op: "read sync managers", Err: ErrMismatch, Cause: err}
	}
	if int(out.Length) != sd.outputs.Len || int(in.Length) != sd.inputs.Len {
		return &DeviceError{
			Address: sd.address, Op: "verify process data", Err: ErrMismatch,
			Cause: fmt.Errorf("declared %d/%d bytes in/out, reports %d/%d",
				sd.inputs.Len, sd.outputs.Len, in.Length, out.Length),
		}
	}

	return nil
}

// mapProcessData enables the process-data sync managers of sd and maps its
// windows into the logical image.
func (g *Group) mapProcessData(ctx context.Context, link *Link, sd *SubDevice) error {
	out, in, err := link.readProcessDataSM(ctx, sd)
	if err != nil {
		return err
	}

	out.Enable = out.Length > 0
	in.Enable = in.Length > 0
	if err := link.fpwr(ctx, sd.address, esc.SyncManagerAddr(esc.SMOutputs), append(out.Encode(), in.Encode()...)); err != nil {
		return err
	}

	fOut := esc.FMMU{
		LogicalStart:  uint32(sd.outputs.Offset),
		Length:        uint16(sd.outputs.Len),
		PhysicalStart: out.Start,
		Write:         true,
		Enable:        out.Enable,
	}
	fIn := esc.FMMU{
		LogicalStart:  uint32(g.outLen + sd.inputs.Offset),
		Length:        uint16(sd.inputs.Len),
		PhysicalStart: in.Start,
		Read:          true,
		Enable:        in.Enable,
	}

	return link.fpwr(ctx, sd.address, esc.FMMUAddr(esc.FMMUOutputs), append(fOut.Encode(), fIn.Encode()...))
}

func (l *Link) readProcessDataSM(ctx context.Context, sd *SubDevice) (out esc.SyncManager, in esc.SyncManager, err error) {
	data, err := l.fprd(ctx, sd.address, esc.SyncManagerAddr(esc.SMOutputs), 2*esc.SyncManagerLen)
	if err != nil {
		return out, in, err
	}
	if out, err = esc.DecodeSyncManager(data); err != nil {
		return out, in, err
	}
	in, err = esc.DecodeSyncManager(data[esc.SyncManagerLen:])

	return out, in, err
}

func (g *Group) intoOp(ctx context.Context, link *Link) error {
	if n := g.master.cfg.dcSyncIterations; n > 0 && len(g.devices) > 0 {
		if err := g.syncClocks(ctx, link, n); err != nil {
			return err
		}
	}

	for _, sd := range g.devices {
		if err := link.requestState(ctx, sd, esc.ALStateOp); err != nil {
			return &DeviceError{Address: sd.address, Op: "request op", Err: ErrConfig, Cause: err}
		}
	}

	return nil
}

// syncClocks latches receive times, propagates the system time of the first
// SubDevice iterations times and waits until every deviation is small enough.
func (g *Group) syncClocks(ctx context.Context, link *Link, iterations int) error {
	count := uint16(len(g.devices))
	ref := g.devices[0].address

	if _, err := link.request(ctx, frame.Datagram{
		Command: frame.BWR,
		Address: frame.PhysicalAddress(0, esc.DCReceiveTime),
		Data:    make([]byte, 4),
	}, count); err != nil {
		return fmt.Errorf("%w: latch receive times: %w", ErrSyncTimeout, err)
	}

	propagate := func() error {
		_, err := link.request(ctx, frame.Datagram{
			Command: frame.FRMW,
			Address: frame.PhysicalAddress(ref, esc.DCSystemTime),
			Data:    make([]byte, 8),
		}, count)

		return err
	}

	for range iterations {
		if err := propagate(); err != nil {
			return fmt.Errorf("%w: propagate system time: %w", ErrSyncTimeout, err)
		}
	}

	deadline := time.Now().Add(g.master.cfg.mailboxTimeout)
	for {
		worst, err := g.maxDeviation(ctx, link)
		if err != nil {
			return fmt.Errorf("%w: read deviation: %w", ErrSyncTimeout, err)
		}
		if worst < dcMaxDeviation {
			g.logger.Debug("distributed clocks synchronized", "max_deviation_ns", worst)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: max deviation %dns", ErrSyncTimeout, worst)
		}

		if err := propagate(); err != nil {
			return fmt.Errorf("%w: propagate system time: %w", ErrSyncTimeout, err)
		}
		if err := sleep(ctx, g.master.cfg.loopDelay); err != nil {
			return err
		}
	}
}

func (g *Group) maxDeviation(ctx context.Context, link *Link) (int64, error) {
	var worst int64
	for _, sd := range g.devices {
		data, err := link.fprd(ctx, sd.address, esc.DCSystemTimeDifference, 4)
		if err != nil {
			return 0, err
		}
		dev := esc.DecodeDeviation(binary.LittleEndian.Uint32(data))
		worst = max(worst, dev, -dev)
	}

	return worst, nil
}

// Exchange writes the output region and reads back the input region in one
// logical read/write datagram. Exchanges are strictly sequential.
//
// A faulted group returns ErrGroupFaulted without touching the transport.
// The input region is only updated when every SubDevice served the datagram.
func (g *Group) Exchange(ctx context.Context, link *Link) error {
	switch g.State() {
	case OpState:
	case FaultedState:
		return ErrGroupFaulted
	default:
		return ErrNotOperational
	}
	if err := g.checkLink(link); err != nil {
		return err
	}

	g.xmu.Lock()
	defer g.xmu.Unlock()

	resp, err := link.request(ctx, frame.Datagram{
		Command: frame.LRW,
		Data:    append([]byte(nil), g.image...),
	}, g.expectedWKC)
	if err != nil {
		return err
	}

	if len(resp.Data) != len(g.image) {
		return fmt.Errorf("%w: LRW returned %d bytes, image is %d", ErrMalformedResponse, len(resp.Data), len(g.image))
	}
	copy(g.image[g.outLen:], resp.Data[g.outLen:])

	return nil
}
