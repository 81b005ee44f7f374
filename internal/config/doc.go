// Package config provides YAML configuration loading and validation
// for the voice session engine.
package config
