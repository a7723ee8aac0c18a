/*
Package config loads the engine configuration from a YAML file over built-in
defaults and validates option ranges before anything starts.
*/
package config
