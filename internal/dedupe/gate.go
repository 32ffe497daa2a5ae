package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Gate admits each request id at most once within a sliding window.
// Ids expire after the window, so memory is bounded by the relay look-back
// rather than process uptime.
type Gate struct {
	mu   sync.Mutex
	seen *expirable.LRU[string, struct{}]
}

// NewGate creates a gate that remembers ids for window
func NewGate(window time.Duration) *Gate {
	// no size cap: evicting a live id early would re-admit its re-delivery
	return &Gate{
		seen: expirable.NewLRU[string, struct{}](0, nil, window),
	}
}

// ShouldProcess reports whether id has not been seen inside the window and
// records it. The id stays recorded even if processing later fails.
func (g *Gate) ShouldProcess(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.seen.Peek(id); ok {
		return false
	}
	g.seen.Add(id, struct{}{})
	return true
}

// Len returns the number of ids currently remembered
func (g *Gate) Len() int {
	return g.seen.Len()
}
