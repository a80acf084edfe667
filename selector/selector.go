// Package selector implements the round-robin target selection strategy.
package selector

import "sync/atomic"

// RoundRobin hands out successive indices modulo a caller-supplied limit.
// The zero value is ready to use.
type RoundRobin struct {
	counter uint64
}

// Next returns the next index in [0, limit). Panics if limit is 0.
func (r *RoundRobin) Next(limit int) int {
	n := atomic.AddUint64(&r.counter, 1) - 1
	return int(n % uint64(limit))
}
