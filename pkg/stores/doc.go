// Package stores persists runtime state for modrt.
//
// The SQLite store records which mods are enabled and the load order of the
// most recent boot. Schema changes ship as embedded golang-migrate
// migrations applied by Migrate.
package stores
