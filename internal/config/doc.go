// Package config provides configuration loading and validation for the CapsWriter client.
// Settings come from a YAML file layered over built-in defaults, with a few
// CW_* environment variables (optionally from a .env file) taking precedence.
package config
