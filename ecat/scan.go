package ecat

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/esc"
	"github.com/arloliu/go-ecat/frame"
	"github.com/arloliu/go-ecat/logger"
	"github.com/arloliu/go-ecat/transport"
	"github.com/google/uuid"
)

// Scan discovers the SubDevices on iface and returns them as a group in Init.
//
// Scan leases the transport for its whole duration and fails with
// ErrTransportBusy while a link is attached. SubDevices get the configured
// addresses FirstAddress + position in discovery order, so repeated scans of
// an unchanged segment yield the same addresses. A segment that does not fit
// the configured capacity fails with ErrCapacityExceeded. The lease is
// released on every return path; discovery is not retried.
func (m *Master) Scan(ctx context.Context, iface string) (group *Group, err error) {
	scanID := uuid.NewString()
	log := m.logger.With("scan_id", scanID, "interface", iface)
	start := time.Now()

	link, err := m.Attach(ctx, iface)
	if err != nil {
		log.Warn("scan failed to attach transport", "error", err)
		return nil, err
	}
	defer func() {
		if cerr := link.Close(); cerr != nil && err == nil {
			group, err = nil, cerr
		}
	}()

	devices, err := m.discover(ctx, link, log)
	if err != nil {
		log.Error("scan failed", "error", err)
		return nil, err
	}

	group, err = newGroup(m, scanID, iface, devices)
	if err != nil {
		log.Error("scan failed", "error", err)
		return nil, err
	}

	summary := group.Summary()
	summary.StartedAt = start
	summary.Duration = time.Since(start)

	m.mu.Lock()
	m.devices = summary.SubDevices
	m.lastScan = summary
	m.mu.Unlock()

	log.Info("scan completed", "subdevices", len(devices),
		"output_bytes", group.outLen, "input_bytes", group.inLen, "elapsed", summary.Duration)

	return group, nil
}

// discover counts the SubDevices, assigns their addresses and reads their identity.
func (m *Master) discover(ctx context.Context, link *Link, log logger.Logger) ([]*SubDevice, error) {
	resp, err := link.Do(ctx, frame.Datagram{
		Command: frame.BRD,
		Address: frame.PhysicalAddress(0, esc.ALStatus),
		Data:    make([]byte, 2),
	})
	if err != nil {
		return nil, fmt.Errorf("count subdevices: %w", err)
	}

	count := int(resp.WKC)
	log.Debug("subdevices counted", "count", count)
	if count > m.cfg.capacity.SubDevices {
		return nil, fmt.Errorf("%w: %d subdevices, capacity %d", ErrCapacityExceeded, count, m.cfg.capacity.SubDevices)
	}
	if count == 0 {
		return nil, nil
	}

	// reset every SubDevice to Init
	if _, err := link.request(ctx, frame.Datagram{
		Command: frame.BWR,
		Address: frame.PhysicalAddress(0, esc.ALControl),
		Data:    binary.LittleEndian.AppendUint16(nil, uint16(esc.ALStateInit)),
	}, uint16(count)); err != nil {
		return nil, fmt.Errorf("reset subdevices: %w", err)
	}

	for pos := range count {
		addr := FirstAddress + uint16(pos)
		// auto-increment addressing reaches the SubDevice at pos with -pos
		if _, err := link.request(ctx, frame.Datagram{
			Command: frame.APWR,
			Address: frame.PhysicalAddress(uint16(-pos), esc.ConfiguredStationAddress),
			Data:    binary.LittleEndian.AppendUint16(nil, addr),
		}, 1); err != nil {
			return nil, fmt.Errorf("%w: position %d: %w", ErrAddressAssignment, pos, err)
		}
	}

	devices := make([]*SubDevice, 0, count)
	for pos := range count {
		addr := FirstAddress + uint16(pos)
		block, err := link.fprd(ctx, addr, esc.IdentityBlock, esc.IdentityBlockLen)
		if err != nil {
			return nil, &DeviceError{Address: addr, Op: "read identity", Err: ErrConfig, Cause: err}
		}
		info, err := esc.DecodeIdentity(block)
		if err != nil {
			return nil, &DeviceError{Address: addr, Op: "decode identity", Err: ErrConfig, Cause: err}
		}

		sd := newSubDevice(pos, info)
		log.Debug("subdevice discovered", "address", fmt.Sprintf("%#04x", addr), "name", sd.name,
			"inputs", sd.inputs.Len, "outputs", sd.outputs.Len)
		devices = append(devices, sd)
	}

	return devices, nil
}

// ScanSummary scans iface and returns the summary of the discovered group.
func (m *Master) ScanSummary(ctx context.Context, iface string) (*Summary, error) {
	if _, err := m.Scan(ctx, iface); err != nil {
		return nil, err
	}

	return m.LastSummary(), nil
}

// LastSummary returns the summary of the last successful scan, or nil.
func (m *Master) LastSummary() *Summary {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.lastScan
}

// Devices returns the SubDevices found by the last successful scan.
func (m *Master) Devices() []SubDeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]SubDeviceInfo(nil), m.devices...)
}

// ListInterfaces returns the network interfaces a segment can be attached to.
func (m *Master) ListInterfaces() ([]transport.InterfaceInfo, error) {
	return transport.ListInterfaces()
}
