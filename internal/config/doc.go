// Package config loads treasuryd configuration from a YAML or JSON file,
// layers TREASURY_* environment overrides on top and validates the
// cross-field constraints every downstream service relies on.
package config
