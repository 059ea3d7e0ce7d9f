package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	require := require.New(t)

	d := Datagram{
		Command: FPRD,
		Index:   7,
		Address: PhysicalAddress(0x1001, 0x0130),
		Data:    []byte{0x00, 0x00},
		WKC:     1,
	}

	buf, err := Encode(d)
	require.NoError(err)
	require.Len(buf, d.EncodedLen())
	require.Equal([]byte{0x0e, 0x10}, buf[:2], "length 14, type 1")

	// ethernet padding after the datagram is ignored
	padded := append(buf, make([]byte, 20)...)
	got, err := Decode(padded)
	require.NoError(err)
	require.Equal(FPRD, got.Command)
	require.Equal(uint8(7), got.Index)
	require.Equal(uint16(0x1001), got.Station())
	require.Equal(uint16(0x0130), got.Register())
	require.Equal([]byte{0x00, 0x00}, got.Data)
	require.Equal(uint16(1), got.WKC)
}

func TestDecodeErrors(t *testing.T) {
	require := require.New(t)

	_, err := Decode([]byte{0x01})
	require.ErrorIs(err, ErrShortFrame)

	buf, err := Encode(Datagram{Command: BRD, Data: []byte{1, 2}})
	require.NoError(err)

	bad := append([]byte(nil), buf...)
	bad[1] = 0x20 // type 2
	_, err = Decode(bad)
	require.ErrorIs(err, ErrBadType)

	bad = append([]byte(nil), buf...)
	bad[8] = 0x05 // data length disagrees with header length
	_, err = Decode(bad)
	require.ErrorIs(err, ErrLengthMismatch)

	bad = append([]byte(nil), buf...)
	bad[2] = 0x7f
	_, err = Decode(bad)
	require.ErrorIs(err, ErrUnknownCommand)

	_, err = Decode(buf[:len(buf)-1])
	require.ErrorIs(err, ErrShortFrame)
}

func TestEncodeLimits(t *testing.T) {
	_, err := Encode(Datagram{Command: LRW, Data: make([]byte, MaxPayload+1)})
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = Encode(Datagram{Command: Command(0x42)})
	require.ErrorIs(t, err, ErrUnknownCommand)

	buf, err := Encode(Datagram{Command: LRW, Data: make([]byte, MaxPayload)})
	require.NoError(t, err)
	require.Len(t, buf, 1500)
}

func TestCommandString(t *testing.T) {
	require.Equal(t, "LRW", LRW.String())
	require.Equal(t, "CMD(0x42)", Command(0x42).String())
	require.True(t, LRW.IsLogical())
	require.False(t, FPRD.IsLogical())
}
