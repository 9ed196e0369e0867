// Package middleware assembles the daemon: the method registry and
// dispatcher, the job supervisor, the event bus, authentication and the
// transports, plus the built-in core, auth, api_key and cache plugins.
//
// A Runtime is created from a configuration and booted once:
//
//	rt, err := middleware.New(cfg, middleware.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := rt.AddPlugin(poolPlugin); err != nil {
//		return err
//	}
//	if err := rt.Boot(ctx); err != nil {
//		return err
//	}
//	defer rt.Shutdown(30 * time.Second)
//
// Boot runs datastore migrations, starts the dispatcher and job supervisor,
// sets plugins up in dependency order, renders the "initial" etc
// checkpoint, starts the listeners and finally publishes the sticky
// system.ready event. Shutdown reverses that order.
//
// Hooks let plugins react to each other without importing one another.
// Synchronous hooks run in the caller; the rest run in the background and
// are awaited at shutdown.
package middleware
