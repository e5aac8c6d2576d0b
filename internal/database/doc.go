// Package database stores typed rows in isolated realms and keeps in-memory
// handles synchronized with the committed state.
//
// # Realms
//
// A [Layer] owns one [RealmDatabase] per [RealmName]. Each realm has its own
// storage engine and its own event bus, so nothing written in one realm is
// visible from another. Persistent realms are SQLite files under the
// configured storage directory; ephemeral realms live in copy-on-write
// B-trees and vanish on Close.
//
// # Models
//
// Row types are registered once with [Define]. A [Model] names the type,
// points at its identifier field, declares secondary keys used by
// [DataCondition], and optionally supplies a default row and a validator.
// Temporal models keep every revision of a row; see [History].
//
// # Live handles
//
// [Resident] caches a single row, [ResidentVec] caches every row matching a
// condition and [Watch] caches a singleton document. Handles that select
// the same rows in the same realm share one cache. Writes made through any
// handle or transaction in the realm reach every interested cache and
// listener in commit order.
package database
