// Package config loads proofsearch configuration from defaults, a YAML file,
// PS_* environment variables and command-line overrides, in that order.
package config
