package ecat

import (
	"fmt"

	"github.com/arloliu/go-ecat/esc"
)

// Identity is the vendor/product/revision of a SubDevice.
type Identity = esc.Identity

// FirstAddress is the configured address of the SubDevice at position 0.
// Addresses follow discovery order: FirstAddress + position.
const FirstAddress uint16 = 0x1001

// Range is a byte window of the process image: Offset is relative to the
// start of the output or input region.
type Range struct {
	Offset int `cbor:"offset" yaml:"offset"`
	Len    int `cbor:"len" yaml:"len"`
}

// End returns the offset following the range.
func (r Range) End() int { return r.Offset + r.Len }

func (r Range) String() string {
	return fmt.Sprintf("[%d:%d]", r.Offset, r.End())
}

// SubDevice is a discovered field device.
//
// Its identity is fixed once discovered; only its process-data windows
// change, through Group.Each.
type SubDevice struct {
	position int
	address  uint16
	name     string
	identity Identity
	mailbox  esc.Mailbox

	mbxCounter uint8

	inputs  Range
	outputs Range
}

func newSubDevice(position int, info esc.IdentityInfo) *SubDevice {
	return &SubDevice{
		position: position,
		address:  FirstAddress + uint16(position),
		name:     info.Name,
		identity: info.Identity,
		mailbox:  info.Mailbox,
		inputs:   Range{Len: int(info.InputBytes)},
		outputs:  Range{Len: int(info.OutputBytes)},
	}
}

// Position returns the position of the SubDevice in the segment.
func (sd *SubDevice) Position() int { return sd.position }

// Address returns the configured station address.
func (sd *SubDevice) Address() uint16 { return sd.address }

// Name returns the device name read from its EEPROM.
func (sd *SubDevice) Name() string { return sd.name }

// Identity returns the vendor, product and revision of the device.
func (sd *SubDevice) Identity() Identity { return sd.identity }

// HasMailbox reports whether the device supports mailbox communication.
func (sd *SubDevice) HasMailbox() bool { return sd.mailbox.Supported() }

// InputRange returns the window of the device within the input region.
func (sd *SubDevice) InputRange() Range { return sd.inputs }

// OutputRange returns the window of the device within the output region.
func (sd *SubDevice) OutputRange() Range { return sd.outputs }

// Info returns a snapshot of the device record.
func (sd *SubDevice) Info() SubDeviceInfo {
	return SubDeviceInfo{
		Position: sd.position,
		Address:  sd.address,
		Name:     sd.name,
		Identity: sd.identity,
		Inputs:   sd.inputs,
		Outputs:  sd.outputs,
		Mailbox:  sd.HasMailbox(),
	}
}

func (sd *SubDevice) String() string {
	return fmt.Sprintf("%#04x %s", sd.address, sd.name)
}

// SubDeviceInfo is a plain copy of a SubDevice record.
type SubDeviceInfo struct {
	Position int      `cbor:"position" yaml:"position"`
	Address  uint16   `cbor:"address" yaml:"address"`
	Name     string   `cbor:"name" yaml:"name"`
	Identity Identity `cbor:"identity" yaml:"identity"`
	Inputs   Range    `cbor:"inputs" yaml:"inputs"`
	Outputs  Range    `cbor:"outputs" yaml:"outputs"`
	Mailbox  bool     `cbor:"mailbox" yaml:"mailbox"`
}

// IO is the process-data view of one SubDevice during a Group.Each callback.
// The slices alias the group image and must not be retained.
type IO struct {
	inputs  []byte
	outputs []byte
}

// Inputs returns the input window, as read by the last exchange.
func (io IO) Inputs() []byte { return io.inputs }

// Outputs returns the output window, written by the next exchange.
func (io IO) Outputs() []byte { return io.outputs }
