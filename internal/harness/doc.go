// Package harness runs reconciliation scenarios against a live session.
//
// A scenario is a YAML file describing the remote store's starting state,
// a sequence of steps (optimistic mutation batches, realtime events pushed
// by the remote, injected remote failures) and assertions about the result.
//
// Each scenario runs a real reconcile.Session feeding a collection.Collection.
// The remote is scripted: it assigns ids from a fixed list and, depending on
// its echo mode, delivers the matching realtime events synchronously,
// asynchronously through a remote.Hub, or not at all. After every step the
// harness waits until the session has applied every event it received, so
// traces are deterministic and can be compared against golden files.
//
// Example scenario:
//
//	name: insert_confirmed_by_event
//	description: An insert is renamed from its temporary key in one transaction.
//	collection: todos
//	remote:
//	  ids: [r1]
//	steps:
//	  - mutate:
//	      - {kind: insert, key: tmp_a, modified: {title: milk}}
//	assertions:
//	  - {type: same_transaction, ops: ["delete tmp_a", "insert r1"]}
//	  - {type: never_together, keys: [tmp_a, r1]}
package harness
