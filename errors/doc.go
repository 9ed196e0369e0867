// Package errors provides the error handling patterns for middlewared.
//
// # Internal errors
//
// Failures inside the daemon are classified into three classes: Transient
// (temporary, retryable), Invalid (bad input or configuration) and Fatal
// (unrecoverable). Wrap adds component context in the form
// "component.method: action failed: cause":
//
//	if err := db.Put(key, value); err != nil {
//	    return errors.WrapTransient(err, "Datastore", "Put", "write key")
//	}
//
// # Wire errors
//
// Every failure that reaches a caller is a *CallError carrying a POSIX-style
// errno, a human readable reason, optional extra data and, for internal
// failures, a trace id that correlates with the daemon log:
//
//	return nil, errors.NotFound("Job %d does not exist", id)
//
// AsCallError converts anything else: validation bundles become EINVAL with
// the problems under extra.errors, context errors become ETIMEDOUT or
// ECANCELED, and unclassified failures become EFAULT with a new trace id.
//
// # Validation
//
// ValidationErrors collects every problem found in an argument list, each
// with a path, a code and a message. Validators never stop at the first
// problem.
package errors
