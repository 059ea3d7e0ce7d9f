package ecat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-ecat/esc"
)

// Upload reads an object dictionary entry of sd through its mailbox.
// The group must be in PreOp or a later state.
func (g *Group) Upload(ctx context.Context, link *Link, sd *SubDevice, index uint16, subIndex uint8) ([]byte, error) {
	if err := g.checkLink(link); err != nil {
		return nil, err
	}
	if !sd.mailbox.Supported() {
		return nil, &DeviceError{Address: sd.address, Op: "mailbox upload", Err: ErrMailboxUnsupported}
	}
	if s := g.State(); s < PreOpState || s == FaultedState {
		return nil, &DeviceError{Address: sd.address, Op: "mailbox upload", Err: ErrMailboxUnsupported, Cause: fmt.Errorf("group is %s", s)}
	}

	// one mailbox transaction at a time per group
	g.tmu.Lock()
	defer g.tmu.Unlock()

	sd.mbxCounter = sd.mbxCounter%7 + 1
	req, err := esc.EncodeSDO(esc.SDO{
		Counter:  sd.mbxCounter,
		Service:  esc.SDOUploadRequest,
		Index:    index,
		SubIndex: subIndex,
	}, int(sd.mailbox.Size))
	if err != nil {
		return nil, err
	}
	if err := link.fpwr(ctx, sd.address, sd.mailbox.OutStart, req); err != nil {
		return nil, &DeviceError{Address: sd.address, Op: "mailbox write", Err: ErrConfig, Cause: err}
	}

	cfg := g.master.cfg
	deadline := time.Now().Add(cfg.mailboxTimeout)
	for {
		data, err := link.fprd(ctx, sd.address, sd.mailbox.InStart, int(sd.mailbox.Size))
		if err != nil {
			return nil, &DeviceError{Address: sd.address, Op: "mailbox read", Err: ErrConfig, Cause: err}
		}

		resp, err := esc.DecodeSDO(data)
		switch {
		case err == nil:
			if err := resp.Abort(); err != nil {
				return nil, err
			}
			if resp.Index != index || resp.SubIndex != subIndex {
				return nil, fmt.Errorf("%w: response for %#04x:%d", esc.ErrMailboxService, resp.Index, resp.SubIndex)
			}

			return resp.Data, nil
		case !errors.Is(err, esc.ErrMailboxEmpty):
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, &DeviceError{Address: sd.address, Op: "mailbox read", Err: ErrTimeout}
		}
		if err := sleep(ctx, cfg.loopDelay); err != nil {
			return nil, err
		}
	}
}

// Description reads the device name object of sd through its mailbox.
func (g *Group) Description(ctx context.Context, link *Link, sd *SubDevice) (string, error) {
	data, err := g.Upload(ctx, link, sd, esc.ObjectDeviceName, 0)
	if err != nil {
		return "", err
	}

	return string(data), nil
}
