// Package monitor drives the engine from the command line: a watch loop
// that logs every mirrored state change, and one-shot arm and disarm
// commands.
package monitor
