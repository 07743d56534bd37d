// Package config provides configuration loading and validation for the beam
// audio service. Files are YAML; fields a file omits keep their defaults.
package config
