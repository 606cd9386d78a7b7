// Package stores persists local run history. The agent records every
// convergence run and its per-resource events in a SQLite database under
// the var directory, so operators can inspect past runs without shipping
// reports anywhere.
package stores
