// Package providers implements the demo root-of-trust services run by the
// spm binary.
//
// Each provider is a Service turned into a partition entry point with
// Entry, which runs the usual wait, get, dispatch, end loop and acknowledges
// the doorbell.
//
// Available Providers:
//   - Echo: copies every input vector back into the response buffer
//   - Counter: keeps a running total per connection in the reverse handle
//
// Example Usage:
//
//	mgr.Bind(1, providers.Entry(providers.NewEcho()))
//	mgr.Bind(2, providers.Entry(providers.NewCounter()))
package providers
