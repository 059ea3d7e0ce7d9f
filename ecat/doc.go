// Package ecat implements the master side of an EtherCAT-style fieldbus:
// discovery of SubDevices, the group state machine and process-data exchange.
//
// A Master borrows the transport from a pdu.Registry. Scan leases it, starts
// a driver, enumerates the segment and releases it again before returning the
// discovered Group in InitState:
//
//	master, _ := ecat.NewMaster(registry, ecat.WithDCSyncIterations(1000))
//	group, err := master.Scan(ctx, "eth0")
//	if err != nil {
//	    return err
//	}
//
// Transitions and exchanges run on an attached Link; only one link or scan
// may hold the transport at a time:
//
//	err = master.WithTransport(ctx, "eth0", func(link *ecat.Link) error {
//	    if err := group.IntoOp(ctx, link); err != nil {
//	        return err
//	    }
//	    return group.Exchange(ctx, link)
//	})
//
// Group states advance strictly Init, PreOp, SafeOp, Op. They never go back;
// a group that lost cyclic communication is Faulted and a new scan is the only
// way to recover.
package ecat
