// Package fake
// Author: momentics <momentics@gmail.com>
//
// Test fixtures for the HTTP client: local servers with predictable
// responses, TLS material written to temporary files and a reactor decorator
// that injects scheduling failures.

package fake
