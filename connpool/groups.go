package connpool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/edgelb/edgelb/target"
)

// GroupPools is the RW-lock-protected list of per-target pools backing
// one target group. Readers (selectors on the data plane's forward path)
// take the read lock for the short span of a lookup; the health monitor
// takes the write lock only while migrating pools between a group's
// healthy and unhealthy partitions.
type GroupPools struct {
	mu    sync.RWMutex
	pools []*TargetConnectionPool
}

// Snapshot returns the current pool list. Callers must not mutate the
// returned slice; it is shared with the lock-holder.
func (g *GroupPools) Snapshot() []*TargetConnectionPool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pools
}

// Len reports the current number of pools (e.g. healthy targets).
func (g *GroupPools) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pools)
}

// Lock exposes the write lock to callers that need to mutate the pool
// list atomically with respect to readers (the health monitor).
func (g *GroupPools) Lock()   { g.mu.Lock() }
func (g *GroupPools) Unlock() { g.mu.Unlock() }

// Pools returns the raw slice for in-place mutation by a writer holding
// the lock via Lock/Unlock.
func (g *GroupPools) Pools() []*TargetConnectionPool { return g.pools }

// SetPools replaces the pool list. Caller must hold the write lock.
func (g *GroupPools) SetPools(pools []*TargetConnectionPool) { g.pools = pools }

// TargetGroupsConnectionPools holds one GroupPools per configured target
// group, keyed by group name.
type TargetGroupsConnectionPools struct {
	groups map[string]*GroupPools
}

// GetPoolForGroup returns the GroupPools for a target group, or nil if
// the group does not exist.
func (t *TargetGroupsConnectionPools) GetPoolForGroup(name string) *GroupPools {
	return t.groups[name]
}

// NewFromGroupPools wraps a pre-built set of per-group pool lists. Used
// directly by callers (and tests) that already hold GroupPools built some
// other way, bypassing socket resolution.
func NewFromGroupPools(groups map[string]*GroupPools) *TargetGroupsConnectionPools {
	return &TargetGroupsConnectionPools{groups: groups}
}

// BuildFromTargetGroups resolves every target in every group to one or
// more socket addresses (a hostname may resolve to several) and builds a
// bounded TargetConnectionPool per resolved address, sized at poolSize.
func BuildFromTargetGroups(groups map[string]target.Group, poolSize int, dialTimeout time.Duration) (*TargetGroupsConnectionPools, error) {
	out := &TargetGroupsConnectionPools{groups: make(map[string]*GroupPools, len(groups))}

	for name, g := range groups {
		pools := make([]*TargetConnectionPool, 0, len(g.Targets))
		for _, t := range g.Targets {
			addrs, err := net.LookupHost(t.Hostname)
			if err != nil {
				return nil, fmt.Errorf("connpool: resolving target group %q: %w", name, err)
			}
			seen := make(map[string]bool, len(addrs))
			for _, ip := range addrs {
				addr := net.JoinHostPort(ip, fmt.Sprintf("%d", t.Port))
				if seen[addr] {
					continue
				}
				seen[addr] = true
				pools = append(pools, NewTargetConnectionPool(addr, t.URI, poolSize, dialTimeout))
			}
		}
		out.groups[name] = &GroupPools{pools: pools}
	}

	return out, nil
}

// CreateHealthCheckPools clones every pool across every group into an
// independent max-size-1 pool reserved for probe traffic, isolated from
// data-plane capacity.
func (t *TargetGroupsConnectionPools) CreateHealthCheckPools() map[string]*GroupPools {
	out := make(map[string]*GroupPools, len(t.groups))
	for name, gp := range t.groups {
		snapshot := gp.Snapshot()
		cloned := make([]*TargetConnectionPool, len(snapshot))
		for i, p := range snapshot {
			cloned[i] = p.CreateHealthCheckPool()
		}
		out[name] = &GroupPools{pools: cloned}
	}
	return out
}

// Close tears down every pool across every group.
func (t *TargetGroupsConnectionPools) Close() {
	for _, gp := range t.groups {
		for _, p := range gp.Snapshot() {
			p.Close()
		}
	}
}
