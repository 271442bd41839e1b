// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Asynchronous HTTP client front end.
//
// An EventLoop owns a reactor and a transfer engine and must be driven by one
// goroutine at a time, either blocking in Run or cooperatively through
// RunOnce. Any number of Sessions submit Requests to it from other
// goroutines; finished transfers come back as Outcomes from
// DrainCompletions, signalled through the descriptor returned by
// CompletionFD.
//
// Nothing crosses goroutines except through handoff queues: a request,
// completion or released handle belongs to exactly one side at a time.
// Transfer handles are only ever touched by the goroutine driving the loop,
// so closing a Response schedules the handle teardown instead of doing it.
//
// Every accepted request produces exactly one Outcome, in completion order.
// There is no per-request cancellation and no retry; both belong to the
// caller.
package client
