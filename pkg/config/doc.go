// Package config loads and validates the factsync configuration file.
//
// The file is YAML. Keys that are absent keep the values from Default, so a
// minimal file only names what it changes:
//
//	data_dir: .factsync
//	store:
//	  driver: sqlite
//	  path: facts.db
//	cache:
//	  shards: 64
//	policy:
//	  enabled: true
//	  paths: [policies]
//	  watch: true
//
// Relative store paths resolve against data_dir. Struct constraints are
// checked with go-playground/validator; cross-field rules (a sqlite store
// needs a path, the telemetry section must be consistent) are checked by
// Validate.
package config
