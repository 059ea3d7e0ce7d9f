package transport

import (
	"context"
	"testing"
	"time"

	"github.com/arloliu/go-ecat/frame"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	a, b := NewPipe(4)

	payload := []byte{1, 2, 3}
	require.NoError(a.Send(ctx, payload))
	payload[0] = 9 // Send copies

	got, err := b.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte{1, 2, 3}, got)

	require.NoError(b.Send(ctx, []byte{4}))
	got, err = a.Recv(ctx)
	require.NoError(err)
	require.Equal([]byte{4}, got)
}

func TestPipe_RecvHonorsContext(t *testing.T) {
	_, b := NewPipe(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipe_Close(t *testing.T) {
	require := require.New(t)
	a, b := NewPipe(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Recv(context.Background())
		errCh <- err
	}()

	require.NoError(a.Close())
	require.NoError(a.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(err, ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("Recv not unblocked by Close")
	}

	require.ErrorIs(b.Send(context.Background(), []byte{1}), ErrChannelClosed)
}

func TestEthernetEncapsulation(t *testing.T) {
	require := require.New(t)

	payload, err := frame.Encode(frame.Datagram{Command: frame.BRD, Data: []byte{0, 0}})
	require.NoError(err)

	data, err := encapsulate(fallbackMAC, payload)
	require.NoError(err)
	require.Len(data, ethernetHeaderLen+minEthernetPayload)
	require.Equal([]byte(layers.EthernetBroadcast), data[:6])
	require.Equal([]byte{0x88, 0xa4}, data[12:14])

	got, ok := decapsulate(data)
	require.True(ok)

	d, err := frame.Decode(got)
	require.NoError(err)
	require.Equal(frame.BRD, d.Command)

	// non fieldbus ethertype is rejected
	data[12], data[13] = 0x08, 0x00
	_, ok = decapsulate(data)
	require.False(ok)

	_, err = encapsulate(fallbackMAC, make([]byte, 1600))
	require.ErrorIs(err, ErrFrameTooLarge)
}
