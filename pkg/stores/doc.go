// Package stores persists engine state.
//
// SQLiteStore keeps terminal tasks, finished pipeline runs, approach
// executions and solution cache entries in a single SQLite database
// (modernc.org/sqlite, no cgo) whose schema is managed by golang-migrate
// from embedded migrations. RedisCacheBackend shares the solution cache
// between processes.
package stores
