// Package config provides configuration management for the recipient cache daemon.
//
// Configuration is assembled in layers: built-in defaults, then one or more
// JSON or YAML files, then environment variables prefixed with RECIPIENTS_.
// Files are merged as raw maps, so a layer only overrides the keys it names.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.json")
//	loader.AddLayer("config/production.yaml") // Overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Durations
//
// Duration fields accept Go duration strings ("250ms", "5s") and whole days
// ("14d"). Duration paths are nats.reconnect_wait, cache.resolve_timeout and
// resolver.timeout.
//
// # Environment Overrides
//
//	RECIPIENTS_PLATFORM_ID, RECIPIENTS_PLATFORM_ENVIRONMENT
//	RECIPIENTS_NATS_URLS (comma separated), RECIPIENTS_NATS_USERNAME,
//	RECIPIENTS_NATS_PASSWORD, RECIPIENTS_NATS_TOKEN
//	RECIPIENTS_STORAGE_MODE, RECIPIENTS_STORAGE_BUCKET, RECIPIENTS_STORAGE_PATH
//	RECIPIENTS_SELF_ACCOUNT_ID, RECIPIENTS_SELF_ENCODED_ID, RECIPIENTS_SELF_PHONE
//	RECIPIENTS_METRICS_PORT
//
// # Security
//
// Config files are size limited, must be regular files with a .json, .yaml or
// .yml extension, and relative paths may not escape the working directory.
// JSON nesting depth is bounded before decoding.
package config
