// Package schemacache provides the versioned, single-writer many-reader
// cell that holds the server's schema cache.
//
// Readers call Snapshot, which never blocks and never fails. Writers call
// BeginUpdate (or the Update helper) to obtain an exclusive UpdateToken and
// finish with Commit or Abort. Each Commit stores the new value together
// with the next version in one atomic pointer swap, so a reader can never
// observe a value paired with a version it was not committed under.
//
// Values stored in a Cell are shared between goroutines and must be treated
// as immutable. Writers build a fresh value and commit it.
package schemacache
