// Package config loads the modrt runtime configuration.
//
// Configuration is built in layers. Defaults come first, then an optional
// YAML file, then environment variables prefixed with MODRT_. The merged
// result is validated with struct tags.
//
// # Configuration File
//
//	mods_dir: ./mods
//	policy_dir: ./policies
//	db_path: ./modrt.db
//	allowed_kinds: [native, starlark, wasm]
//	tick_interval: 50ms
//	executor:
//	  general_workers: 8
//	  io_workers: 4
//	  shutdown_timeout: 10s
//	fetch:
//	  user: deploy
//	  key_file: ~/.ssh/id_ed25519
//	telemetry:
//	  logging:
//	    level: info
//	    format: console
//
// # Environment Overrides
//
// Every field with an env tag can be overridden. Nested sections add their
// own prefix, so executor.io_workers becomes MODRT_EXECUTOR_IO_WORKERS and
// fetch.password becomes MODRT_FETCH_PASSWORD. Telemetry settings use the
// telemetry prefixes directly, for example MODRT_LOG_LEVEL.
package config
