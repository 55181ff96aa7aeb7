// ABOUTME: Package documentation for the task ledger
// ABOUTME: Explains the claim transaction and task state machine

// Package store provides the durable task ledger for the fleet manager
// using SQLite.
//
// # State machine
//
// A task is pending until a poll claims it, claimed until exactly one
// result post completes or fails it, and terminal afterwards. The
// invariants:
//
//   - assigned_agent_id is set iff claimed_at is set
//   - at most one of completed_at/failed_at is ever set, and once set the
//     task accepts no further transitions
//   - a result is only accepted for a claimed, non-terminal task
//   - task ids are immutable and unique; re-inserting an id is rejected
//
// # Claiming
//
// PollTasks is the single entry point for the matching engine. It runs
// the agent upsert, the full capability replace, the claimable-task read
// and the claim write in one immediate transaction, so two concurrent
// polls can never claim the same task. There is no claim timeout: a
// claimed task whose agent never reports stays claimed.
package store
