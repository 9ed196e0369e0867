// Package dispatcher executes method calls against the registry.
//
// A call is resolved, checked against plugin quarantine and visibility,
// authorized, throttled and validated before its handler runs. Cooperative
// handlers run on their own goroutine, blocking handlers on a bounded worker
// pool, and job methods are handed to the jobs supervisor, in which case the
// caller gets the job id back.
//
// Every handler runs under its descriptor's deadline. When the deadline
// passes the handler's context is cancelled with ETIMEDOUT and the handler
// gets a short grace window to return; the caller sees ETIMEDOUT either way.
//
//	d := dispatcher.New(dispatcher.DefaultConfig(), reg, sup)
//	if err := d.Start(ctx); err != nil {
//		return err
//	}
//	res, err := d.Call(ctx, cc, "core.ping", nil)
//
// Errors leaving the dispatcher are always *errors.CallError.
package dispatcher
