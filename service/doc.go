// Package service provides lifecycle management for the long-running parts
// of middlewared: transports, the job snapshotter, the scheduler, the
// metrics server and the NATS event bridge.
//
// # BaseService
//
// BaseService tracks the Stopped → Starting → Running → Stopping lifecycle,
// runs background loops that end when the service stops, and optionally
// runs a periodic health check:
//
//	type Poller struct {
//	    *service.BaseService
//	}
//
//	func (p *Poller) Start(ctx context.Context) error {
//	    if err := p.BaseService.Start(ctx); err != nil {
//	        return err
//	    }
//	    p.Go(func(done <-chan struct{}) {
//	        // loop until done is closed
//	    })
//	    return nil
//	}
//
// # Manager
//
// Manager starts services in the order they were added and stops them in
// reverse. A failed start stops what already started. Service health is
// mirrored into a health.Monitor under "service.<name>".
package service
