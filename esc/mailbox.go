package esc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Mailbox types.
const (
	MailboxTypeError uint8 = 0x00
	MailboxTypeCoE   uint8 = 0x03
)

// SDO services carried in a CoE mailbox message.
const (
	SDOUploadRequest  uint8 = 0x40
	SDOUploadResponse uint8 = 0x41
	SDOAbort          uint8 = 0x80
)

// Object dictionary entries read by the master.
const (
	ObjectDeviceName uint16 = 0x1008
	ObjectIdentity   uint16 = 0x1018
)

// MailboxHeaderLen is the length of the mailbox header.
const MailboxHeaderLen = 6

// sdoHeaderLen covers service, index, subindex and the data length.
const sdoHeaderLen = 1 + 2 + 1 + 4

var (
	ErrMailboxType    = errors.New("esc: unexpected mailbox type")
	ErrMailboxEmpty   = errors.New("esc: mailbox empty")
	ErrMailboxService = errors.New("esc: unexpected sdo service")
)

// AbortError is returned when a SubDevice aborts an SDO transfer.
type AbortError struct {
	Index    uint16
	SubIndex uint8
	Code     uint32
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("esc: sdo abort %#04x:%d, code %#08x", e.Index, e.SubIndex, e.Code)
}

// SDO abort codes.
const (
	AbortObjectNotFound uint32 = 0x06020000
)

// SDO is a CoE SDO message.
type SDO struct {
	Counter  uint8
	Service  uint8
	Index    uint16
	SubIndex uint8
	// Data is the uploaded value, or the 4-byte abort code for SDOAbort.
	Data []byte
}

// EncodeSDO serializes msg into a mailbox of size bytes. Unused space is zero.
func EncodeSDO(msg SDO, size int) ([]byte, error) {
	n := MailboxHeaderLen + sdoHeaderLen + len(msg.Data)
	if n > size {
		return nil, fmt.Errorf("esc: sdo of %d bytes exceeds mailbox of %d", n, size)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint16(buf[0:], uint16(n-MailboxHeaderLen))
	buf[5] = MailboxTypeCoE | (msg.Counter&0x07)<<4

	body := buf[MailboxHeaderLen:]
	body[0] = msg.Service
	binary.LittleEndian.PutUint16(body[1:], msg.Index)
	body[3] = msg.SubIndex
	binary.LittleEndian.PutUint32(body[4:], uint32(len(msg.Data)))
	copy(body[sdoHeaderLen:], msg.Data)

	return buf, nil
}

// DecodeSDO parses a mailbox buffer. It returns ErrMailboxEmpty for a buffer
// with a zero length field.
func DecodeSDO(buf []byte) (SDO, error) {
	var msg SDO
	if len(buf) < MailboxHeaderLen {
		return msg, ErrShortBlock
	}

	length := int(binary.LittleEndian.Uint16(buf[0:]))
	if length == 0 {
		return msg, ErrMailboxEmpty
	}
	if buf[5]&0x0F != MailboxTypeCoE {
		return msg, ErrMailboxType
	}
	msg.Counter = (buf[5] >> 4) & 0x07

	body := buf[MailboxHeaderLen:]
	if length < sdoHeaderLen || len(body) < length {
		return msg, ErrShortBlock
	}

	msg.Service = body[0]
	msg.Index = binary.LittleEndian.Uint16(body[1:])
	msg.SubIndex = body[3]
	dataLen := int(binary.LittleEndian.Uint32(body[4:]))
	if sdoHeaderLen+dataLen > length {
		return msg, ErrShortBlock
	}
	msg.Data = append([]byte(nil), body[sdoHeaderLen:sdoHeaderLen+dataLen]...)

	return msg, nil
}

// Abort returns the abort error carried by msg, or nil.
func (msg SDO) Abort() error {
	if msg.Service != SDOAbort {
		return nil
	}

	var code uint32
	if len(msg.Data) >= 4 {
		code = binary.LittleEndian.Uint32(msg.Data)
	}

	return &AbortError{Index: msg.Index, SubIndex: msg.SubIndex, Code: code}
}
