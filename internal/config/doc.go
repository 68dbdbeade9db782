// Package config handles configuration loading, parsing, and validation
// from various sources (environment variables, files). It provides type-safe
// access to application settings needed by different components while keeping
// configuration details separate from business logic.
//
// Every key can be set through an environment variable named after its path
// with the CONDUCTOR_ prefix, e.g. CONDUCTOR_SCHEDULER_MAX_CONCURRENT.
// Webhook workers are only configurable from the file.
package config
