// Package watcher keeps the working area of each configured repository in sync
// with its source.
//
// A Watcher runs one loop per repository: stage a fresh directory, fetch into it,
// publish it as the next generation, sleep for the poll interval. Failures back
// off exponentially (1s doubling up to 5m) and never halt the loop, except for
// configuration errors which stop that repository's watcher for good. A failing
// or halted repository never affects the others.
//
// Manager owns the watchers of all repositories and exposes their lock-free
// status snapshots to the serving layer.
package watcher
