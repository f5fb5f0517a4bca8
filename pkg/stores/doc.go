// Package stores keeps the history of convergence runs in SQLite.
//
// The schema is embedded and applied with golang-migrate. Each run stores
// its manifest, target host, terminal status and outcome counts; each
// resource that reached a terminal outcome stores its descriptor, outcome
// and classified error. Recorder plugs the store into the runner as an
// engine.Observer.
package stores
