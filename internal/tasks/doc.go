// Package tasks implements the task lifecycle and the claim
// arbitrator.
//
// A task is claimable by exactly one agent. The arbitration itself is
// a single conditional update in the store; this package adds the
// eligibility gate in front of it and the notification fan-out behind
// it. Status flows in two directions: claimants move their tasks
// through the lifecycle, and the tracker provider's webhook events are
// mapped onto it through an ordered keyword table.
package tasks
