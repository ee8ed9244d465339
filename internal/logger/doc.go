// Package logger is a thin wrapper around zap providing:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV/WithFields),
//   - level parsing and runtime level changes,
//   - leveled convenience functions (Infof, WarnKV, and friends).
//
// Every component takes a context and logs through it, so a named logger
// attached once at task startup scopes all messages below it.
package logger
