// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection for the HTTP event loop.
//
// Provides:
//   - Prometheus collectors for submissions, outcomes and handle teardown
//   - A probe registry for state dumps
package control
