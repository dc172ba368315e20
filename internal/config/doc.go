// Package config loads engine configuration.
//
// Sources are applied in order: an optional .env file in the working
// directory, a TOML file (explicit path or <data_dir>/config.toml), then
// environment overrides, then defaults for anything still unset. Validate
// reports every problem at once as ValidateErrors.
//
// Example config.toml:
//
//	data_dir = "/var/lib/codeindex"
//
//	[embedding]
//	provider = "jina"
//	batch_size = 50
//
//	[chunking]
//	max_chunk_lines = 200
//	window_lines = 60
//	overlap_lines = 10
//
//	[watch]
//	debounce = "500ms"
package config
