// Package config defines engine settings used by binaries and provides
// helpers to load, validate and save them in YAML format.
//
// The Config type holds portal credentials, polling intervals and
// degradation thresholds. Validate enforces the portal's interval floors
// and ceilings so misconfigured clients cannot hammer the service.
package config
