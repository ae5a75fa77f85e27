// Package testutil provides fakes shared by the recipient packages' tests.
//
// CountingStore wraps any recipient.Store, counts every call by operation and
// can be told to fail the next calls. ScriptedResolver answers network
// fetches from a fixed table. RecordingObserver collects delivered snapshots
// and lets a test wait for a number of them.
//
// None of these need a running NATS server or a database; tests that do use
// natsclient.NewTestClient behind the integration build tag.
package testutil
