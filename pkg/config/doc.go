// Package config loads the YAML configuration used by the d2d commands.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. Command-line flags are applied on top by the commands.
package config
