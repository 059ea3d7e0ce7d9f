// Package esc describes the register map of a SubDevice controller and the
// layout of the blocks the master reads and writes through it.
package esc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Register offsets.
const (
	Type                     = 0x0000
	ConfiguredStationAddress = 0x0010

	ALControl    = 0x0120
	ALStatus     = 0x0130
	ALStatusCode = 0x0134

	FMMUBase    = 0x0600
	FMMUChannel = 0x10

	SyncManagerBase    = 0x0800
	SyncManagerChannel = 0x08

	DCReceiveTime          = 0x0900
	DCSystemTime           = 0x0910
	DCSystemTimeDifference = 0x092C

	// IdentityBlock mirrors the identity category of the SII EEPROM.
	IdentityBlock = 0x0E00
)

// Sync manager and FMMU channels used by the master.
const (
	SMMailboxOut = 0
	SMMailboxIn  = 1
	SMOutputs    = 2
	SMInputs     = 3

	FMMUOutputs = 0
	FMMUInputs  = 1
)

// SyncManagerAddr returns the register offset of sync manager channel n.
func SyncManagerAddr(n int) uint16 {
	return uint16(SyncManagerBase + n*SyncManagerChannel)
}

// FMMUAddr returns the register offset of FMMU channel n.
func FMMUAddr(n int) uint16 {
	return uint16(FMMUBase + n*FMMUChannel)
}

// ALState is an application-layer state of a SubDevice.
type ALState uint8

const (
	ALStateInit      ALState = 0x01
	ALStatePreOp     ALState = 0x02
	ALStateBootstrap ALState = 0x03
	ALStateSafeOp    ALState = 0x04
	ALStateOp        ALState = 0x08

	// ALErrorFlag is set in AL status when a requested transition was refused.
	ALErrorFlag = 0x10
	alStateMask = 0x0F
)

// State returns the state bits of an AL status value.
func (s ALState) State() ALState { return s & alStateMask }

// HasError reports whether the error flag is set.
func (s ALState) HasError() bool { return s&ALErrorFlag != 0 }

func (s ALState) String() string {
	name := "unknown"
	switch s.State() {
	case ALStateInit:
		name = "init"
	case ALStatePreOp:
		name = "pre-op"
	case ALStateBootstrap:
		name = "bootstrap"
	case ALStateSafeOp:
		name = "safe-op"
	case ALStateOp:
		name = "op"
	}
	if s.HasError() {
		return name + "+error"
	}

	return name
}

// AL status codes reported in ALStatusCode.
const (
	StatusNoError             uint16 = 0x0000
	StatusInvalidTransition   uint16 = 0x0011
	StatusInvalidMailboxCfg   uint16 = 0x0016
	StatusInvalidOutputCfg    uint16 = 0x001D
	StatusInvalidInputCfg     uint16 = 0x001E
	StatusSyncManagerWatchdog uint16 = 0x001B
)

var (
	ErrShortBlock  = errors.New("esc: block too short")
	ErrNameTooLong = errors.New("esc: name too long")
)

// MaxNameLen is the maximum length of a SubDevice name in the identity block.
const MaxNameLen = 64

// Identity is the vendor/product/revision triple of a SubDevice.
type Identity struct {
	VendorID    uint32 `cbor:"vendor_id" yaml:"vendor_id"`
	ProductCode uint32 `cbor:"product_code" yaml:"product_code"`
	Revision    uint32 `cbor:"revision" yaml:"revision"`
	Serial      uint32 `cbor:"serial" yaml:"serial"`
}

func (id Identity) String() string {
	return fmt.Sprintf("vendor: %#010x, product: %#010x, rev: %d, serial: %d",
		id.VendorID, id.ProductCode, id.Revision, id.Serial)
}

// Mailbox holds the mailbox sync manager parameters from the SII.
// A zero Size means the SubDevice has no mailbox.
type Mailbox struct {
	OutStart uint16
	InStart  uint16
	Size     uint16
}

// Supported reports whether the SubDevice has a mailbox.
func (m Mailbox) Supported() bool { return m.Size > 0 }

// IdentityInfo is the content of the identity block.
type IdentityInfo struct {
	Identity
	Mailbox
	// InputBytes and OutputBytes are the declared process-data sizes.
	InputBytes  uint16
	OutputBytes uint16
	Name        string
}

// identity block layout
const (
	identityFixedLen = 16 + 6 + 4 + 1
	// IdentityBlockLen is the number of bytes the master reads from IdentityBlock.
	IdentityBlockLen = identityFixedLen + MaxNameLen
)

// EncodeIdentity serializes info into an IdentityBlockLen buffer.
func EncodeIdentity(info IdentityInfo) ([]byte, error) {
	if len(info.Name) > MaxNameLen {
		return nil, ErrNameTooLong
	}

	buf := make([]byte, IdentityBlockLen)
	binary.LittleEndian.PutUint32(buf[0:], info.VendorID)
	binary.LittleEndian.PutUint32(buf[4:], info.ProductCode)
	binary.LittleEndian.PutUint32(buf[8:], info.Revision)
	binary.LittleEndian.PutUint32(buf[12:], info.Serial)
	binary.LittleEndian.PutUint16(buf[16:], info.OutStart)
	binary.LittleEndian.PutUint16(buf[18:], info.InStart)
	binary.LittleEndian.PutUint16(buf[20:], info.Size)
	binary.LittleEndian.PutUint16(buf[22:], info.InputBytes)
	binary.LittleEndian.PutUint16(buf[24:], info.OutputBytes)
	buf[26] = byte(len(info.Name))
	copy(buf[identityFixedLen:], info.Name)

	return buf, nil
}

// DecodeIdentity parses an identity block.
func DecodeIdentity(buf []byte) (IdentityInfo, error) {
	var info IdentityInfo
	if len(buf) < identityFixedLen {
		return info, ErrShortBlock
	}

	info.VendorID = binary.LittleEndian.Uint32(buf[0:])
	info.ProductCode = binary.LittleEndian.Uint32(buf[4:])
	info.Revision = binary.LittleEndian.Uint32(buf[8:])
	info.Serial = binary.LittleEndian.Uint32(buf[12:])
	info.OutStart = binary.LittleEndian.Uint16(buf[16:])
	info.InStart = binary.LittleEndian.Uint16(buf[18:])
	info.Size = binary.LittleEndian.Uint16(buf[20:])
	info.InputBytes = binary.LittleEndian.Uint16(buf[22:])
	info.OutputBytes = binary.LittleEndian.Uint16(buf[24:])

	nameLen := int(buf[26])
	if nameLen > MaxNameLen || len(buf) < identityFixedLen+nameLen {
		return info, ErrShortBlock
	}
	info.Name = string(buf[identityFixedLen : identityFixedLen+nameLen])

	return info, nil
}

// SyncManager is the configuration of one sync manager channel.
type SyncManager struct {
	Start   uint16
	Length  uint16
	Control uint8
	Enable  bool
}

// Sync manager control values.
const (
	SMControlMailboxWrite uint8 = 0x26
	SMControlMailboxRead  uint8 = 0x22
	SMControlOutputs      uint8 = 0x64
	SMControlInputs       uint8 = 0x20
)

// SyncManagerLen is the encoded length of a sync manager channel.
const SyncManagerLen = SyncManagerChannel

// Encode serializes the channel configuration.
func (sm SyncManager) Encode() []byte {
	buf := make([]byte, SyncManagerLen)
	binary.LittleEndian.PutUint16(buf[0:], sm.Start)
	binary.LittleEndian.PutUint16(buf[2:], sm.Length)
	buf[4] = sm.Control
	if sm.Enable {
		buf[6] = 0x01
	}

	return buf
}

// DecodeSyncManager parses a sync manager channel.
func DecodeSyncManager(buf []byte) (SyncManager, error) {
	if len(buf) < SyncManagerLen {
		return SyncManager{}, ErrShortBlock
	}

	return SyncManager{
		Start:   binary.LittleEndian.Uint16(buf[0:]),
		Length:  binary.LittleEndian.Uint16(buf[2:]),
		Control: buf[4],
		Enable:  buf[6]&0x01 != 0,
	}, nil
}

// FMMU maps a logical address range onto a SubDevice physical range.
type FMMU struct {
	LogicalStart  uint32
	Length        uint16
	PhysicalStart uint16
	Read          bool
	Write         bool
	Enable        bool
}

// FMMULen is the encoded length of an FMMU channel.
const FMMULen = FMMUChannel

// Encode serializes the FMMU configuration.
func (f FMMU) Encode() []byte {
	buf := make([]byte, FMMULen)
	binary.LittleEndian.PutUint32(buf[0:], f.LogicalStart)
	binary.LittleEndian.PutUint16(buf[4:], f.Length)
	buf[6] = 0x00 // logical start bit
	buf[7] = 0x07 // logical stop bit
	binary.LittleEndian.PutUint16(buf[8:], f.PhysicalStart)
	var typ byte
	if f.Read {
		typ |= 0x01
	}
	if f.Write {
		typ |= 0x02
	}
	buf[11] = typ
	if f.Enable {
		buf[12] = 0x01
	}

	return buf
}

// DecodeFMMU parses an FMMU channel.
func DecodeFMMU(buf []byte) (FMMU, error) {
	if len(buf) < FMMULen {
		return FMMU{}, ErrShortBlock
	}

	return FMMU{
		LogicalStart:  binary.LittleEndian.Uint32(buf[0:]),
		Length:        binary.LittleEndian.Uint16(buf[4:]),
		PhysicalStart: binary.LittleEndian.Uint16(buf[8:]),
		Read:          buf[11]&0x01 != 0,
		Write:         buf[11]&0x02 != 0,
		Enable:        buf[12]&0x01 != 0,
	}, nil
}

// EncodeDeviation packs a signed clock deviation in nanoseconds the way the
// system time difference register holds it: magnitude with bit 31 as sign.
func EncodeDeviation(ns int64) uint32 {
	if ns < 0 {
		return uint32(min(-ns, 0x7FFF_FFFF)) | 1<<31
	}

	return uint32(min(ns, 0x7FFF_FFFF))
}

// DecodeDeviation is the inverse of EncodeDeviation.
func DecodeDeviation(v uint32) int64 {
	ns := int64(v & 0x7FFF_FFFF)
	if v&(1<<31) != 0 {
		return -ns
	}

	return ns
}
