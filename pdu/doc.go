// Package pdu multiplexes request/response datagrams (PDUs) over a
// transport.Channel and guards exclusive ownership of the transport.
//
// The package has three cooperating parts:
//
//   - Engine: the dispatch table. SendRequest assigns a free datagram index,
//     queues the encoded frame and returns a Pending handle; Pending.Wait
//     resolves to the matching response or to ErrTimeout. Requests are never
//     retried by the engine.
//   - Driver: the single background I/O task pumping queued frames onto the
//     channel and matching received frames back to pending handles by index.
//     Stopping a driver resolves every outstanding request to ErrCancelled and
//     hands the transport Halves back.
//   - Registry: the two-state lease (Free or Leased) over the Halves. Only the
//     holder of a Lease may start a Driver; releasing the lease returns the
//     Halves for the next holder.
//
// Typical wiring:
//
//	engine, _ := pdu.NewEngine(pdu.WithResponseTimeout(time.Second))
//	halves, _ := engine.Split()
//	registry := pdu.NewRegistry(halves)
//
//	lease, err := registry.Acquire()
//	if err != nil {
//	    return err // pdu.ErrTransportBusy
//	}
//	driver, _ := pdu.StartDriver(ctx, channel, lease.Halves(), log)
//	// ... engine.Do(ctx, datagram) ...
//	halves, _ = driver.Stop()
//	_ = lease.Release(halves)
package pdu
