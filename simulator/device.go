package simulator

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
)

// Physical memory layout of a simulated SubDevice.
const (
	memSize = 0x2000

	mailboxOutStart = 0x1000
	mailboxInStart  = 0x1080
	mailboxSize     = 0x80
	outputsStart    = 0x1100
	inputsStart     = 0x1800
)

// defaultDCOffset is the initial clock deviation per position.
const defaultDCOffset = 50 * time.Microsecond

// Device describes one simulated SubDevice.
type Device struct {
	Name     string
	Identity esc.Identity
	// Inputs and Outputs are the process-data sizes declared in the SII.
	Inputs  int
	Outputs int
	// ActualInputs and ActualOutputs override the sizes the firmware
	// reports in its sync managers. Zero means equal to the declared size.
	ActualInputs  int
	ActualOutputs int
	// NoMailbox removes the mailbox sync managers.
	NoMailbox bool
	// RejectMailbox makes the device refuse the transition to PreOp.
	RejectMailbox bool
	// DCOffset is the initial deviation of the local clock. Zero selects a
	// default of 50µs per position.
	DCOffset time.Duration
	// DCStuck keeps the clock deviation constant.
	DCStuck bool
	// NoEcho disables copying outputs into inputs.
	NoEcho bool
}

// EchoDevices returns n devices with 4 input and 4 output bytes each that
// echo their outputs into their inputs.
func EchoDevices(n int) []Device {
	devs := make([]Device, n)
	for i := range devs {
		devs[i] = Device{
			Name: fmt.Sprintf("sim-io-%d", i+1),
			Identity: esc.Identity{
				VendorID:    0x0000_0ECA,
				ProductCode: 0x0000_1004,
				Revision:    1,
				Serial:      uint32(i + 1),
			},
			Inputs:  4,
			Outputs: 4,
		}
	}

	return devs
}

type device struct {
	spec     Device
	position int
	mem      []byte
	dcDiff   int64
	sysTime  uint64
}

func newDevice(spec Device, position int) (*device, error) {
	d := &device{
		spec:     spec,
		position: position,
		mem:      make([]byte, memSize),
		dcDiff:   int64(spec.DCOffset),
	}
	if d.dcDiff == 0 && position > 0 {
		d.dcDiff = int64(defaultDCOffset) * int64(position)
	}

	info := esc.IdentityInfo{
		Identity:    spec.Identity,
		InputBytes:  uint16(spec.Inputs),
		OutputBytes: uint16(spec.Outputs),
		Name:        spec.Name,
	}
	if !spec.NoMailbox {
		info.Mailbox = esc.Mailbox{OutStart: mailboxOutStart, InStart: mailboxInStart, Size: mailboxSize}
	}
	block, err := esc.EncodeIdentity(info)
	if err != nil {
		return nil, err
	}
	copy(d.mem[esc.IdentityBlock:], block)

	actualOut := spec.Outputs
	if spec.ActualOutputs != 0 {
		actualOut = spec.ActualOutputs
	}
	actualIn := spec.Inputs
	if spec.ActualInputs != 0 {
		actualIn = spec.ActualInputs
	}
	d.writeSM(esc.SMOutputs, esc.SyncManager{Start: outputsStart, Length: uint16(actualOut), Control: esc.SMControlOutputs})
	d.writeSM(esc.SMInputs, esc.SyncManager{Start: inputsStart, Length: uint16(actualIn), Control: esc.SMControlInputs})

	d.setState(esc.ALStateInit, esc.StatusNoError)

	return d, nil
}

func (d *device) address() uint16 {
	return binary.LittleEndian.Uint16(d.mem[esc.ConfiguredStationAddress:])
}

func (d *device) state() esc.ALState {
	return esc.ALState(d.mem[esc.ALStatus])
}

func (d *device) setState(s esc.ALState, code uint16) {
	d.mem[esc.ALStatus] = byte(s)
	binary.LittleEndian.PutUint16(d.mem[esc.ALStatusCode:], code)
}

func (d *device) writeSM(n int, sm esc.SyncManager) {
	copy(d.mem[esc.SyncManagerAddr(n):], sm.Encode())
}

func (d *device) readSM(n int) esc.SyncManager {
	sm, _ := esc.DecodeSyncManager(d.mem[esc.SyncManagerAddr(n):])
	return sm
}

func (d *device) readFMMU(n int) esc.FMMU {
	f, _ := esc.DecodeFMMU(d.mem[esc.FMMUAddr(n):])
	return f
}

// inRange reports whether [reg, reg+n) is inside the device memory.
func inRange(reg uint16, n int) bool {
	return int(reg)+n <= memSize
}

func overlaps(reg uint16, n int, start uint16, size int) bool {
	return int(reg) < int(start)+size && int(start) < int(reg)+n
}

// read copies register memory into data.
func (d *device) read(reg uint16, data []byte) bool {
	if !inRange(reg, len(data)) {
		return false
	}

	if overlaps(reg, len(data), esc.DCSystemTimeDifference, 4) {
		binary.LittleEndian.PutUint32(d.mem[esc.DCSystemTimeDifference:], esc.EncodeDeviation(d.dcDiff))
	}
	if overlaps(reg, len(data), esc.DCSystemTime, 8) {
		binary.LittleEndian.PutUint64(d.mem[esc.DCSystemTime:], d.sysTime)
	}

	copy(data, d.mem[reg:])

	// the mailbox is emptied once read
	if !d.spec.NoMailbox && overlaps(reg, len(data), mailboxInStart, mailboxSize) {
		clear(d.mem[mailboxInStart : mailboxInStart+mailboxSize])
	}

	return true
}

// write copies data into register memory and runs the side effects of the
// written registers.
func (d *device) write(reg uint16, data []byte) bool {
	if !inRange(reg, len(data)) {
		return false
	}

	copy(d.mem[reg:], data)

	if overlaps(reg, len(data), esc.ALControl, 1) {
		d.requestState(esc.ALState(d.mem[esc.ALControl]).State())
	}
	if !d.spec.NoMailbox && overlaps(reg, len(data), mailboxOutStart, mailboxSize) {
		d.serveMailbox()
	}

	return true
}

// requestState runs the AL state machine for a write to AL control.
func (d *device) requestState(req esc.ALState) {
	cur := d.state().State()

	switch {
	case req == cur:
		d.setState(cur, esc.StatusNoError)
	case req == esc.ALStateInit:
		d.setState(esc.ALStateInit, esc.StatusNoError)
	case cur == esc.ALStateInit && req == esc.ALStatePreOp:
		if code := d.checkMailbox(); code != esc.StatusNoError {
			d.setState(cur|esc.ALErrorFlag, code)
			return
		}
		d.setState(esc.ALStatePreOp, esc.StatusNoError)
	case cur == esc.ALStatePreOp && req == esc.ALStateSafeOp:
		if code := d.checkProcessData(); code != esc.StatusNoError {
			d.setState(cur|esc.ALErrorFlag, code)
			return
		}
		d.setState(esc.ALStateSafeOp, esc.StatusNoError)
	case cur == esc.ALStateSafeOp && req == esc.ALStateOp:
		d.setState(esc.ALStateOp, esc.StatusNoError)
	default:
		d.setState(cur|esc.ALErrorFlag, esc.StatusInvalidTransition)
	}
}

func (d *device) checkMailbox() uint16 {
	if d.spec.NoMailbox {
		return esc.StatusNoError
	}
	if d.spec.RejectMailbox {
		return esc.StatusInvalidMailboxCfg
	}

	out, in := d.readSM(esc.SMMailboxOut), d.readSM(esc.SMMailboxIn)
	if !out.Enable || out.Start != mailboxOutStart || out.Length != mailboxSize {
		return esc.StatusInvalidMailboxCfg
	}
	if !in.Enable || in.Start != mailboxInStart || in.Length != mailboxSize {
		return esc.StatusInvalidMailboxCfg
	}

	return esc.StatusNoError
}

func (d *device) checkProcessData() uint16 {
	if sm := d.readSM(esc.SMOutputs); sm.Length > 0 && !sm.Enable {
		return esc.StatusInvalidOutputCfg
	}
	if sm := d.readSM(esc.SMInputs); sm.Length > 0 && !sm.Enable {
		return esc.StatusInvalidInputCfg
	}

	return esc.StatusNoError
}

// serveMailbox answers an SDO upload request written to the mailbox.
func (d *device) serveMailbox() {
	req, err := esc.DecodeSDO(d.mem[mailboxOutStart : mailboxOutStart+mailboxSize])
	if err != nil || req.Service != esc.SDOUploadRequest {
		return
	}
	if d.state().State() < esc.ALStatePreOp {
		return
	}

	resp := esc.SDO{Counter: req.Counter, Service: esc.SDOUploadResponse, Index: req.Index, SubIndex: req.SubIndex}
	switch {
	case req.Index == esc.ObjectDeviceName:
		resp.Data = []byte(d.spec.Name)
	case req.Index == esc.ObjectIdentity && req.SubIndex >= 1 && req.SubIndex <= 4:
		v := [...]uint32{d.spec.Identity.VendorID, d.spec.Identity.ProductCode, d.spec.Identity.Revision, d.spec.Identity.Serial}
		resp.Data = binary.LittleEndian.AppendUint32(nil, v[req.SubIndex-1])
	default:
		resp.Service = esc.SDOAbort
		resp.Data = binary.LittleEndian.AppendUint32(nil, esc.AbortObjectNotFound)
	}

	buf, err := esc.EncodeSDO(resp, mailboxSize)
	if err != nil {
		return
	}
	clear(d.mem[mailboxOutStart : mailboxOutStart+mailboxSize])
	copy(d.mem[mailboxInStart:], buf)
}

// adjustClock applies one propagation of the reference system time.
func (d *device) adjustClock() {
	if d.spec.DCStuck {
		return
	}
	d.dcDiff /= 2
}

// exchange serves the part of a logical read/write that maps onto this device.
// It returns the working counter increment.
func (d *device) exchange(cmd frame.Command, logical uint32, data []byte) uint16 {
	var wkc uint16
	state := d.state().State()
	if state != esc.ALStateSafeOp && state != esc.ALStateOp {
		return 0
	}

	end := logical + uint32(len(data))
	if f := d.readFMMU(esc.FMMUOutputs); f.Enable && f.Write && cmd != frame.LRD && f.LogicalStart >= logical && f.LogicalStart+uint32(f.Length) <= end {
		// outputs stay at their safe value until Op
		if state == esc.ALStateOp {
			off := f.LogicalStart - logical
			copy(d.mem[f.PhysicalStart:int(f.PhysicalStart)+int(f.Length)], data[off:off+uint32(f.Length)])
		}
		wkc += 2
	}

	if !d.spec.NoEcho {
		out := d.readSM(esc.SMOutputs)
		in := d.readSM(esc.SMInputs)
		n := min(out.Length, in.Length)
		copy(d.mem[in.Start:in.Start+n], d.mem[out.Start:out.Start+n])
	}

	if f := d.readFMMU(esc.FMMUInputs); f.Enable && f.Read && cmd != frame.LWR && f.LogicalStart >= logical && f.LogicalStart+uint32(f.Length) <= end {
		off := f.LogicalStart - logical
		copy(data[off:off+uint32(f.Length)], d.mem[f.PhysicalStart:int(f.PhysicalStart)+int(f.Length)])
		wkc++
	}

	return wkc
}
