// Package scheduler holds the daemon's background machinery: periodic
// tasks, generated configuration files under etc, alert sources and the
// boot-time migrations gate.
//
// Periodic runs each Task on its own ticker, either as an internal method
// call or a Go function. Etc renders groups of files from Renderer results
// (Write, Skip or Fail) and only touches a file when its content or mode
// changed; renders of a group are serialized. Alerts diffs the results of
// every AlertSource against the active set and publishes alert.list
// events. Migrations run once each, in number order, and are recorded in
// the datastore.
package scheduler
