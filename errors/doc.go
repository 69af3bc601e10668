// Package errors implements the depkit error taxonomy.
//
// # Classes
//
// Every error that crosses a package boundary carries one of five classes:
//
//   - Invalid: malformed keys, values, filters or definitions. Rejected
//     synchronously at the call that introduced them.
//   - State: an operation on an entity that is already gone, such as a second
//     Unregister on the same registration or deleting a configuration twice.
//   - Callback: user lifecycle code returned an error or panicked. These are
//     logged with the component name and contained; they never reach the
//     dispatcher goroutines.
//   - Transient and Fatal: infrastructure (NATS, KV buckets, HTTP servers).
//
// An unsatisfied dependency is not an error value. It is observable only as the
// depgraph.StateWaitingForRequired state of the owning component.
//
// # Wrapping
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// using the class-aware helpers:
//
//	errors.WrapInvalid(errors.ErrInvalidKey, "Store", "Put", "key validation")
//	errors.WrapState(errors.ErrAlreadyUnregistered, "Registration", "Unregister", "state check")
//	errors.WrapCallback(err, "Graph", "activate", "start callback")
//
// Classification survives further wrapping with fmt.Errorf("...: %w", err) and
// is recovered with IsInvalid, IsState, IsCallback, IsTransient, IsFatal or
// Classify.
package errors
