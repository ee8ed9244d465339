//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import "sync"

// Gate serializes portal operations across the background tasks. A task
// holds the gate for the duration of one portal interaction, so a
// relogin never swaps the session out from under a poll in flight.
type Gate struct {
	mu sync.Mutex
}

// Enter blocks until no other portal operation is in flight.
func (g *Gate) Enter() {
	g.mu.Lock()
}

// Leave releases the gate for the next operation.
func (g *Gate) Leave() {
	g.mu.Unlock()
}
