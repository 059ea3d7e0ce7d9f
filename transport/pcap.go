package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-ecat/frame"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

const (
	defaultSnapLen     = 65535
	defaultReadTimeout = 5 * time.Millisecond
	ethernetHeaderLen  = 14
	minEthernetPayload = 46
)

// fallbackMAC is a locally administered address used when the interface
// has no hardware address.
var fallbackMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// PcapChannel is a Channel over a raw Ethernet interface captured with libpcap.
type PcapChannel struct {
	iface  string
	handle *pcap.Handle
	srcMAC net.HardwareAddr
	sendMu sync.Mutex
	closed atomic.Bool
}

var _ Channel = (*PcapChannel)(nil)

// PcapOption customizes OpenPcap.
type PcapOption func(*pcapConfig)

type pcapConfig struct {
	readTimeout time.Duration
	promisc     bool
}

// WithReadTimeout sets how long a single pcap read may block before Recv
// re-checks its context. Defaults to 5ms.
func WithReadTimeout(d time.Duration) PcapOption {
	return func(cfg *pcapConfig) {
		if d > 0 {
			cfg.readTimeout = d
		}
	}
}

// WithPromiscuous enables or disables promiscuous mode. Enabled by default.
func WithPromiscuous(enabled bool) PcapOption {
	return func(cfg *pcapConfig) {
		cfg.promisc = enabled
	}
}

// OpenPcap opens iface for raw frame exchange. Only inbound frames carrying the
// fieldbus EtherType are delivered by Recv.
func OpenPcap(iface string, opts ...PcapOption) (*PcapChannel, error) {
	cfg := pcapConfig{readTimeout: defaultReadTimeout, promisc: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("open interface %s: %w", iface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(defaultSnapLen); err != nil {
		return nil, fmt.Errorf("set snaplen: %w", err)
	}
	if err := inactive.SetPromisc(cfg.promisc); err != nil {
		return nil, fmt.Errorf("set promiscuous mode: %w", err)
	}
	if err := inactive.SetTimeout(cfg.readTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, fmt.Errorf("set immediate mode: %w", err)
	}

	handle, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("activate interface %s: %w", iface, err)
	}

	if err := handle.SetBPFFilter(fmt.Sprintf("ether proto 0x%04x", frame.EtherType)); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set bpf filter: %w", err)
	}
	if err := handle.SetDirection(pcap.DirectionIn); err != nil {
		handle.Close()
		return nil, fmt.Errorf("set capture direction: %w", err)
	}

	return &PcapChannel{
		iface:  iface,
		handle: handle,
		srcMAC: interfaceMAC(iface),
	}, nil
}

// PcapOpener is an Opener using OpenPcap with the given options.
func PcapOpener(opts ...PcapOption) Opener {
	return func(iface string) (Channel, error) {
		return OpenPcap(iface, opts...)
	}
}

// Interface returns the name of the bound interface.
func (c *PcapChannel) Interface() string { return c.iface }

func (c *PcapChannel) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encapsulate(c.srcMAC, payload)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	return c.handle.WritePacketData(data)
}

func (c *PcapChannel) Recv(ctx context.Context) ([]byte, error) {
	for {
		if c.closed.Load() {
			return nil, ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, _, err := c.handle.ReadPacketData()
		if err == pcap.NextErrorTimeoutExpired {
			continue
		}
		if err != nil {
			if c.closed.Load() {
				return nil, ErrChannelClosed
			}
			return nil, fmt.Errorf("read packet: %w", err)
		}

		payload, ok := decapsulate(data)
		if !ok {
			continue
		}

		return payload, nil
	}
}

func (c *PcapChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.handle.Close()

	return nil
}

// encapsulate wraps payload in a broadcast Ethernet II header.
func encapsulate(src net.HardwareAddr, payload []byte) ([]byte, error) {
	if len(payload) > frame.MaxPayload+frame.HeaderLen+frame.DatagramOverhead {
		return nil, ErrFrameTooLarge
	}

	eth := &layers.Ethernet{
		SrcMAC:       src,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetType(frame.EtherType),
	}

	body := payload
	if len(body) < minEthernetPayload {
		body = make([]byte, minEthernetPayload)
		copy(body, payload)
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(body)); err != nil {
		return nil, fmt.Errorf("serialize frame: %w", err)
	}

	return buf.Bytes(), nil
}

// decapsulate returns the fieldbus payload of an Ethernet frame.
func decapsulate(data []byte) ([]byte, bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, false
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok || eth.EthernetType != layers.EthernetType(frame.EtherType) {
		return nil, false
	}

	return append([]byte(nil), eth.Payload...), true
}

func interfaceMAC(name string) net.HardwareAddr {
	iface, err := net.InterfaceByName(name)
	if err != nil || len(iface.HardwareAddr) != 6 {
		return fallbackMAC
	}

	return iface.HardwareAddr
}
