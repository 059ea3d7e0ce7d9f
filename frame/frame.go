// Package frame encodes and decodes the datagram frames exchanged with
// SubDevices.
//
// A frame is the payload of an Ethernet II frame with EtherType 0x88A4. It
// starts with a 2-byte header (11-bit length, 4-bit type) followed by a single
// datagram:
//
//	+-----+-----+-------------+----------+-----+---------+-----+
//	| cmd | idx |   address   | len/flag | irq |  data   | wkc |
//	| u8  | u8  |     u32     |   u16    | u16 | len * B | u16 |
//	+-----+-----+-------------+----------+-----+---------+-----+
//
// All multi-byte fields are little endian. Physical commands split the
// address into a 16-bit station address (ADP) and a 16-bit register offset
// (ADO); logical commands use the full 32 bits as a logical address.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// EtherType is the Ethernet II type carried by fieldbus frames.
	EtherType uint16 = 0x88A4

	// HeaderLen is the length of the frame header.
	HeaderLen = 2
	// DatagramOverhead is the datagram header plus working counter.
	DatagramOverhead = 10 + 2
	// MaxPayload is the largest datagram payload fitting a standard Ethernet frame.
	MaxPayload = 1500 - HeaderLen - DatagramOverhead

	frameTypeDatagram = 0x1
	lengthMask        = 0x07FF
)

var (
	ErrShortFrame      = errors.New("frame: short frame")
	ErrBadType         = errors.New("frame: unsupported frame type")
	ErrLengthMismatch  = errors.New("frame: length mismatch")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrUnknownCommand  = errors.New("frame: unknown command")
)

// Command is a datagram command code.
type Command uint8

const (
	NOP  Command = 0x00
	APRD Command = 0x01 // auto-increment physical read
	APWR Command = 0x02 // auto-increment physical write
	FPRD Command = 0x04 // configured address physical read
	FPWR Command = 0x05 // configured address physical write
	BRD  Command = 0x07 // broadcast read
	BWR  Command = 0x08 // broadcast write
	LRD  Command = 0x0A // logical read
	LWR  Command = 0x0B // logical write
	LRW  Command = 0x0C // logical read write
	ARMW Command = 0x0D // auto-increment read multiple write
	FRMW Command = 0x0E // configured read multiple write
)

// String returns the mnemonic of the command.
func (c Command) String() string {
	switch c {
	case NOP:
		return "NOP"
	case APRD:
		return "APRD"
	case APWR:
		return "APWR"
	case FPRD:
		return "FPRD"
	case FPWR:
		return "FPWR"
	case BRD:
		return "BRD"
	case BWR:
		return "BWR"
	case LRD:
		return "LRD"
	case LWR:
		return "LWR"
	case LRW:
		return "LRW"
	case ARMW:
		return "ARMW"
	case FRMW:
		return "FRMW"
	default:
		return fmt.Sprintf("CMD(0x%02x)", uint8(c))
	}
}

// IsLogical reports whether the command addresses the logical process image.
func (c Command) IsLogical() bool {
	return c == LRD || c == LWR || c == LRW
}

func (c Command) valid() bool {
	switch c {
	case NOP, APRD, APWR, FPRD, FPWR, BRD, BWR, LRD, LWR, LRW, ARMW, FRMW:
		return true
	default:
		return false
	}
}

// Datagram is a single command with its payload and working counter.
type Datagram struct {
	Command Command
	// Index identifies the datagram; responses carry the index of their request.
	Index uint8
	// Address is ADP | ADO<<16 for physical commands, or the logical address.
	Address uint32
	IRQ     uint16
	Data    []byte
	// WKC is the working counter incremented by every SubDevice that served the datagram.
	WKC uint16
}

// PhysicalAddress builds the address of a physical command from a station
// (or negative position) address and a register offset.
func PhysicalAddress(station uint16, register uint16) uint32 {
	return uint32(station) | uint32(register)<<16
}

// Station returns the ADP part of a physical address.
func (d Datagram) Station() uint16 { return uint16(d.Address) }

// Register returns the ADO part of a physical address.
func (d Datagram) Register() uint16 { return uint16(d.Address >> 16) }

// EncodedLen returns the number of bytes Encode produces for d.
func (d Datagram) EncodedLen() int {
	return HeaderLen + DatagramOverhead + len(d.Data)
}

// Encode serializes d into a newly allocated frame.
func Encode(d Datagram) ([]byte, error) {
	return AppendEncode(nil, d)
}

// AppendEncode appends the encoded frame of d to dst.
func AppendEncode(dst []byte, d Datagram) ([]byte, error) {
	if len(d.Data) > MaxPayload {
		return dst, ErrPayloadTooLarge
	}
	if !d.Command.valid() {
		return dst, ErrUnknownCommand
	}

	bodyLen := DatagramOverhead + len(d.Data)

	dst = binary.LittleEndian.AppendUint16(dst, uint16(bodyLen)&lengthMask|frameTypeDatagram<<12)
	dst = append(dst, byte(d.Command), d.Index)
	dst = binary.LittleEndian.AppendUint32(dst, d.Address)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(d.Data))&lengthMask)
	dst = binary.LittleEndian.AppendUint16(dst, d.IRQ)
	dst = append(dst, d.Data...)
	dst = binary.LittleEndian.AppendUint16(dst, d.WKC)

	return dst, nil
}

// Decode parses a frame. Trailing bytes beyond the header length, such as
// Ethernet padding, are ignored. The returned Data aliases buf.
func Decode(buf []byte) (Datagram, error) {
	var d Datagram

	if len(buf) < HeaderLen+DatagramOverhead {
		return d, ErrShortFrame
	}

	hdr := binary.LittleEndian.Uint16(buf)
	if hdr>>12 != frameTypeDatagram {
		return d, ErrBadType
	}
	bodyLen := int(hdr & lengthMask)
	if bodyLen < DatagramOverhead || len(buf) < HeaderLen+bodyLen {
		return d, ErrShortFrame
	}

	body := buf[HeaderLen : HeaderLen+bodyLen]
	dataLen := int(binary.LittleEndian.Uint16(body[6:]) & lengthMask)
	if DatagramOverhead+dataLen != bodyLen {
		return d, ErrLengthMismatch
	}

	d.Command = Command(body[0])
	if !d.Command.valid() {
		return d, ErrUnknownCommand
	}
	d.Index = body[1]
	d.Address = binary.LittleEndian.Uint32(body[2:])
	d.IRQ = binary.LittleEndian.Uint16(body[8:])
	d.Data = body[10 : 10+dataLen]
	d.WKC = binary.LittleEndian.Uint16(body[10+dataLen:])

	return d, nil
}
