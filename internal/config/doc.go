// Package config loads the daemon configuration from a single YAML or JSON
// file and fills in defaults for every section that is left empty.
package config
