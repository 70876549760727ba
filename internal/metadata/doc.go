// Package metadata models the gateway's persisted configuration and the
// schema cache derived from it.
//
// A Document is what operators edit through /v1/metadata and what the
// Store persists. The Builder turns a Document into an immutable
// SchemaCache, recording objects it cannot use as inconsistencies rather
// than failing. The Executor runs metadata API commands; every mutating
// command runs inside the schema cache's update section, so writes are
// serialized and readers only ever see whole caches.
package metadata
