package services

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"rillcast/internal/core/domain"
)

// PortAllocatorConfig describes the local UDP port pool used for relays.
// Ports are handed out on even numbers only: the receiving process binds RTP
// on the port and RTCP on port+1.
type PortAllocatorConfig struct {
	Min int
	Max int

	// Disjoint range probed at random once Min..Max is exhausted.
	FallbackMin      int
	FallbackMax      int
	FallbackAttempts int

	// ProbeHost, when set, makes Reserve skip ports another process already holds.
	ProbeHost string
}

// PortAllocator leases ports to stream sessions. It is the only resource
// shared between rooms; every check-and-mark happens under one lock.
type PortAllocator struct {
	config PortAllocatorConfig

	mu     sync.Mutex
	leases map[int]domain.SessionID
	rnd    *rand.Rand

	onChange func(leased int)
}

func NewPortAllocator(config PortAllocatorConfig) *PortAllocator {
	return &PortAllocator{
		config: config,
		leases: make(map[int]domain.SessionID),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnChange registers a callback invoked with the outstanding lease count
// after every reserve or release.
func (a *PortAllocator) OnChange(fn func(leased int)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onChange = fn
}

// Reserve leases a port from the configured range.
func (a *PortAllocator) Reserve(owner domain.SessionID) (int, error) {
	return a.ReserveInRange(owner, a.config.Min, a.config.Max)
}

// ReserveInRange leases the first free port in [min, max], falling back to
// random probes of the high range. It never retries on its own beyond that.
func (a *PortAllocator) ReserveInRange(owner domain.SessionID, min, max int) (int, error) {
	a.mu.Lock()
	port, ok := a.scan(min, max)
	if !ok {
		port, ok = a.probeFallback()
	}
	if ok {
		a.leases[port] = owner
	}
	leased, notify := len(a.leases), a.onChange
	a.mu.Unlock()

	if !ok {
		return 0, fmt.Errorf("%w: %d-%d exhausted", domain.ErrNoPortsAvailable, min, max)
	}
	if notify != nil {
		notify(leased)
	}
	return port, nil
}

// Release returns a port to the pool. Releasing a port that is not leased is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	_, held := a.leases[port]
	delete(a.leases, port)
	leased, notify := len(a.leases), a.onChange
	a.mu.Unlock()

	if held && notify != nil {
		notify(leased)
	}
}

// ReleaseOwner frees every port leased by the given session.
func (a *PortAllocator) ReleaseOwner(owner domain.SessionID) int {
	a.mu.Lock()
	released := 0
	for port, o := range a.leases {
		if o == owner {
			delete(a.leases, port)
			released++
		}
	}
	leased, notify := len(a.leases), a.onChange
	a.mu.Unlock()

	if released > 0 && notify != nil {
		notify(leased)
	}
	return released
}

func (a *PortAllocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}

func (a *PortAllocator) Owner(port int) (domain.SessionID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	owner, ok := a.leases[port]
	return owner, ok
}

func (a *PortAllocator) scan(min, max int) (int, bool) {
	if min <= 0 || max < min {
		return 0, false
	}
	start := min
	if start%2 != 0 {
		start++
	}
	for port := start; port <= max; port += 2 {
		if a.free(port) {
			return port, true
		}
	}
	return 0, false
}

func (a *PortAllocator) probeFallback() (int, bool) {
	lo, hi := a.config.FallbackMin, a.config.FallbackMax
	if a.config.FallbackAttempts <= 0 || lo <= 0 || hi <= lo {
		return 0, false
	}
	if lo%2 != 0 {
		lo++
	}
	slots := (hi-lo)/2 + 1
	for i := 0; i < a.config.FallbackAttempts; i++ {
		port := lo + 2*a.rnd.Intn(slots)
		if a.free(port) {
			return port, true
		}
	}
	return 0, false
}

// free must be called with mu held.
func (a *PortAllocator) free(port int) bool {
	if _, taken := a.leases[port]; taken {
		return false
	}
	if a.config.ProbeHost == "" {
		return true
	}
	return udpPortFree(a.config.ProbeHost, port) && udpPortFree(a.config.ProbeHost, port+1)
}

func udpPortFree(host string, port int) bool {
	conn, err := net.ListenPacket("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
