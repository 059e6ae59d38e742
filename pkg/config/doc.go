// Package config loads the assembler's runtime configuration.
//
// Configuration is read from a YAML file, layered over Default and then
// overridden by environment variables:
//
//	ASSEMBLER_LOG_LEVEL     logging.level
//	ASSEMBLER_DB_PATH       store.path
//	ASSEMBLER_POLICIES_DIR  policies.dir
//
// The result is checked with validator struct tags before use. Telemetry
// converts the logging, tracing and metrics sections into a
// telemetry.Config.
package config
