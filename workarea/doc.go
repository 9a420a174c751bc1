// Package workarea manages the on-disk working area repositories are
// materialized into.
//
// Each repository owns one Area. A watcher stages a fetch into a fresh side
// directory and publishes it as a new generation:
//
//	<root>/<repository>/
//	    cache/              source private state (git objects)
//	    staging-<uuid>/     fetch in progress
//	    gen-<n>/            published generations
//	    current -> gen-<n>  swapped with rename(2)
//
// Readers never take a lock. Acquire returns a leased Snapshot of the current
// generation; a generation is removed only once it is no longer current and its
// last lease is released. A reader therefore always sees one generation in full,
// never a mix of two.
package workarea
