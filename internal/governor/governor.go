// Package governor implements the Job Concurrency Governor (spec.md §4.E):
// a non-blocking admission gate bounding both total in-flight jobs and
// in-flight jobs per client key (remote IP, by convention).
package governor

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrRejected is returned by TryEnter when admitting the job would exceed
// the global cap or the calling key's own cap.
var ErrRejected = errors.New("governor: concurrency limit reached")

// Token is the receipt returned by a successful TryEnter. It must be
// passed to Leave exactly once.
type Token struct {
	key string
}

// Governor admits or rejects jobs against a global cap and a per-key cap.
// All operations are non-blocking: a job that cannot be admitted right now
// is rejected immediately rather than queued.
type Governor struct {
	globalMax int64
	perKeyMax int64

	globalCount int64

	mu        sync.Mutex
	perKey    map[string]int64
}

// New builds a Governor. globalMax and perKeyMax must both be positive.
func New(globalMax, perKeyMax int) *Governor {
	return &Governor{
		globalMax: int64(globalMax),
		perKeyMax: int64(perKeyMax),
		perKey:    make(map[string]int64),
	}
}

// TryEnter admits one job under key, or returns ErrRejected if the global
// or per-key cap is already saturated.
func (g *Governor) TryEnter(key string) (*Token, error) {
	if atomic.AddInt64(&g.globalCount, 1) > g.globalMax {
		atomic.AddInt64(&g.globalCount, -1)
		return nil, ErrRejected
	}

	g.mu.Lock()
	if g.perKey[key] >= g.perKeyMax {
		g.mu.Unlock()
		atomic.AddInt64(&g.globalCount, -1)
		return nil, ErrRejected
	}
	g.perKey[key]++
	g.mu.Unlock()

	return &Token{key: key}, nil
}

// Leave releases a Token previously obtained from TryEnter. Leave is
// idempotent-unsafe: calling it twice for the same Token double-frees
// capacity, so callers must call it exactly once (the HTTP and WebSocket
// handlers do so with a single defer).
func (g *Governor) Leave(tok *Token) {
	if tok == nil {
		return
	}
	atomic.AddInt64(&g.globalCount, -1)

	g.mu.Lock()
	defer g.mu.Unlock()
	if n := g.perKey[tok.key]; n <= 1 {
		delete(g.perKey, tok.key)
	} else {
		g.perKey[tok.key] = n - 1
	}
}

// InFlight returns the current global in-flight count, for diagnostics.
func (g *Governor) InFlight() int {
	return int(atomic.LoadInt64(&g.globalCount))
}

// InFlightFor returns the current in-flight count for a specific key.
func (g *Governor) InFlightFor(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return int(g.perKey[key])
}
