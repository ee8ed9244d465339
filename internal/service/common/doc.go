// Package common holds helpers shared by the background tasks and the
// CLI: the gate serializing portal operations, the throttle spreading
// portal-imposed retry deadlines across tasks, and local actor detection
// for the audit log.
//
//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common
