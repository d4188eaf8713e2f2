/*
Package types defines the data model shared by the persistency core: the
typed-value tagged union, KVS/FileStorage entries, replica status records,
storage state, and the per-instance metadata record persisted under
{storage}/.metadata/storage_info.json.

# Typed value

TypedValue is a 12-variant tagged union (Int8..UInt64, Bool, Float32,
Float64, String) with a fixed tag numbering used in on-disk and on-wire
encodings. ToDisplay and ParseAs provide the human-readable string codec;
backends use their own canonical encodings (see internal/kvs) built on
TypedValue.RawText.

# Capability interfaces

KvsBackend and FileStorageBackend in interfaces.go are the capability sets
the three KVS backend kinds and the FileStorage backend implement,
respectively. The persistency manager parameterises on backend kind at open
and only ever talks to these interfaces afterward.
*/
package types
