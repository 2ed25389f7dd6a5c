// Package config loads and validates the tandem configuration.
//
// # Overview
//
// A configuration file is YAML (or JSON) or CUE. Either way the document is
// decoded over Default(), so a file only names what it changes:
//
//	pool:
//	  ports: [11434, 11435]
//	runner:
//	  workers: 4
//	storage:
//	  driver: sqlite
//	  sqlite:
//	    path: /var/lib/tandem/state.db
//
// The CUE form of the same file is
//
//	pool: ports: [11434, 11435]
//	runner: workers: 4
//	storage: {
//		driver: "sqlite"
//		sqlite: path: "/var/lib/tandem/state.db"
//	}
//
// # Validation
//
// Validate applies three layers: go-playground/validator struct tags, the
// embedded CUE schema (schema.cue) and cross-section rules such as "the
// sqlite cache backend needs the sqlite driver". CUE errors carry file,
// line and field path in a SchemaError.
//
// # Reloading
//
// Watch keeps the last valid configuration of a file and reports each valid
// change. The serve command uses it to adjust log levels without a restart.
package config
