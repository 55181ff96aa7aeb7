// ABOUTME: Package documentation for the agent runtime
// ABOUTME: Describes the poll loop, executor pool and error taxonomy

// Package agent implements the polling worker side of the fleet:
// a capability registry, a bounded executor pool, the manager
// communicator and the poll loop that ties them together.
//
// All communication is agent-initiated pull. Every outbound failure is
// classified as either temporary (network failure, server error status:
// retry) or fatal (client error status, unparseable response: give up).
// Task requests are single attempts whose errors the poll loop absorbs
// or escalates; result posts retry until the manager accepts them.
package agent
