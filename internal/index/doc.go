// Package index maintains the two-tier code index of each project.
//
// The shallow tier is a map of relative path to FileEntry (size, mtime,
// fingerprint, language) rebuilt by walking the project root. The deep tier
// holds the symbols of each file, tagged with the fingerprint they were
// parsed from; a record whose fingerprint no longer matches the shallow
// entry is stale and is dropped on the next refresh.
//
// Structured parsing goes through parser.Registry. Files without a
// structured backend, or whose parse fails, get heuristic symbols so lookups
// still work.
//
// State is kept in memory per (tenant, project) and optionally mirrored to
// a bbolt snapshot so a restart does not require a full rebuild.
package index
