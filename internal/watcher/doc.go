// Package watcher turns file system activity under a project root into
// debounced batches of changed and removed paths, and keeps the shallow and
// deep index current as batches arrive.
package watcher
