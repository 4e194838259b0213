// Package table implements a versioned key-value lookup table persisted as a
// plain directory tree.
//
// Every key owns a directory under the table root and every write produces a
// new version file inside it:
//
//	<root>/
//	  <key>/                 decimal uint64
//	    <version>.value      decimal uint32 > 0; content = raw value bytes
//
// The file with the highest version is the current value. An empty version
// file is a tombstone: the key reads as not found. Versions only increase and
// are never reused, so a stale value can never become current again.
//
// Writes go to a temporary file in the key directory. The file is fsynced,
// then renamed into place, and finally the directory is fsynced. A reader
// therefore sees either the complete new version or none of it.
//
// Superseded versions are not removed on write. They accumulate until the next
// Init, which garbage-collects every key down to its latest version, or until
// RemoveKey purges the key. Deletion during garbage collection is best effort:
// failures are logged and never returned.
//
// A LookupTable serializes operations on the same key with an internal
// per-key mutex, and Init excludes all other operations. Tables built with
// WithLocking(false) drop both locks; their callers must then serialize every
// operation themselves, because StoreValue and RemoveKey read the latest
// version and write the next one without any conflict detection.
//
// No key or version state is cached between calls. Every operation derives
// its answer from the directory contents, which is what makes recovery after
// a crash a plain re-scan.
package table
