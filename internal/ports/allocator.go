// Package ports implements the per-tunnel TCP port allocator: a
// bounded range, hash-seeded preferred assignment with neighbor
// probing, and a reservation grace window across reconnects.
package ports

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"sync"
	"time"
)

// ErrNoAvailablePorts is returned once every port in the configured
// range is in use (active or reserved) and no free port can be found.
var ErrNoAvailablePorts = errors.New("ports: no available ports in range")

// reservationTTL is how long a deallocated port is held as Reserved
// before it is returned to the free pool.
const reservationTTL = 5 * time.Minute

// sweepInterval is how often the background sweep reclaims expired
// reservations.
const sweepInterval = 60 * time.Second

// State tags an allocation's lifecycle stage.
type State int

const (
	Active State = iota
	Reserved
)

// Allocation records one tunnel's claim on a port.
type Allocation struct {
	TunnelID string
	Port     int
	State    State
	Until    time.Time // meaningful only when State == Reserved
}

// DialFunc probes whether a port is free at the OS level. Swappable
// in tests to avoid binding real sockets.
type DialFunc func(port int) bool

// Allocator manages port assignment over [Lo, Hi]. Safe for
// concurrent use.
type Allocator struct {
	lo, hi int

	mu         sync.Mutex
	byTunnel   map[string]*Allocation
	byPort     map[int]*Allocation
	trialBind  DialFunc
	stopSweep  chan struct{}
	sweepOnce  sync.Once
}

// New creates an Allocator over the inclusive range [lo, hi] and
// starts its background reservation sweep.
func New(lo, hi int) *Allocator {
	a := &Allocator{
		lo:        lo,
		hi:        hi,
		byTunnel:  make(map[string]*Allocation),
		byPort:    make(map[int]*Allocation),
		trialBind: osPortFree,
		stopSweep: make(chan struct{}),
	}
	go a.sweepLoop()
	return a
}

// osPortFree attempts to bind port on all interfaces and immediately
// releases it; success means the port is free at the OS level.
func osPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// Close stops the background sweep. Safe to call multiple times.
func (a *Allocator) Close() {
	a.sweepOnce.Do(func() { close(a.stopSweep) })
}

func (a *Allocator) sweepLoop() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.sweepExpired(time.Now())
		case <-a.stopSweep:
			return
		}
	}
}

func (a *Allocator) sweepExpired(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port, alloc := range a.byPort {
		if alloc.State == Reserved && !now.Before(alloc.Until) {
			delete(a.byPort, port)
			delete(a.byTunnel, alloc.TunnelID)
		}
	}
}

// Allocate assigns a port to tunnelID following the policy in spec
// §4.5: reuse an existing (active or reserved) allocation; else the
// client's requested port if free; else lo+hash(tunnel_id) mod range;
// else neighbors ±1..±10; else any free port. requestedPort of 0
// means "no preference".
func (a *Allocator) Allocate(tunnelID string, requestedPort int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if alloc, ok := a.byTunnel[tunnelID]; ok {
		alloc.State = Active
		return alloc.Port, nil
	}

	rangeSize := a.hi - a.lo + 1

	tryClaim := func(port int) bool {
		if port < a.lo || port > a.hi {
			return false
		}
		if _, taken := a.byPort[port]; taken {
			return false
		}
		if !a.trialBind(port) {
			return false
		}
		a.claimLocked(tunnelID, port)
		return true
	}

	if requestedPort != 0 && tryClaim(requestedPort) {
		return requestedPort, nil
	}

	preferred := a.lo + int(hashString(tunnelID)%uint64(rangeSize))
	if tryClaim(preferred) {
		return preferred, nil
	}

	for delta := 1; delta <= 10; delta++ {
		if tryClaim(preferred + delta) {
			return preferred + delta, nil
		}
		if tryClaim(preferred - delta) {
			return preferred - delta, nil
		}
	}

	for port := a.lo; port <= a.hi; port++ {
		if tryClaim(port) {
			return port, nil
		}
	}

	return 0, ErrNoAvailablePorts
}

func (a *Allocator) claimLocked(tunnelID string, port int) {
	alloc := &Allocation{TunnelID: tunnelID, Port: port, State: Active}
	a.byTunnel[tunnelID] = alloc
	a.byPort[port] = alloc
}

// Deallocate moves tunnelID's allocation, if any, into the Reserved
// state for reservationTTL rather than freeing it immediately, so a
// reconnect within the window lands on the same port.
func (a *Allocator) Deallocate(tunnelID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byTunnel[tunnelID]
	if !ok {
		return
	}
	alloc.State = Reserved
	alloc.Until = time.Now().Add(reservationTTL)
}

// GetAllocatedPort returns tunnelID's current port, if any (active or
// still-reserved).
func (a *Allocator) GetAllocatedPort(tunnelID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	alloc, ok := a.byTunnel[tunnelID]
	if !ok {
		return 0, false
	}
	return alloc.Port, true
}

func hashString(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
