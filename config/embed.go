// Package config provides the embedded default configuration for the honeypot.
package config

import (
	_ "embed"
)

// DefaultConfigYAML contains the embedded default configuration in YAML format.
// It is written out by "honeypot config create" and documents every setting.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
