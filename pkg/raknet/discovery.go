package raknet

import (
	"bytes"
	"net"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/appnet-org/raknet/pkg/protocol"
	"github.com/appnet-org/raknet/pkg/transport"
)

const (
	// broadcastInterval spaces discovery broadcast pings.
	broadcastInterval = time.Second

	// serverTimeout evicts a discovered server that stopped answering.
	serverTimeout = 5 * time.Second
)

// discoveredServer is one entry of the discovery table.
type discoveredServer struct {
	addr       *net.UDPAddr
	identifier []byte
}

// DiscoveryBus owns the single worker servicing the broadcast loop of
// every registered client. A process-wide default exists for
// convenience; clients may also own a private bus.
type DiscoveryBus struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	timers  *transport.TimerManager
	running bool
}

// NewDiscoveryBus creates an idle bus; the worker starts with the first
// registration.
func NewDiscoveryBus() *DiscoveryBus {
	return &DiscoveryBus{
		clients: make(map[*Client]struct{}),
		timers:  transport.NewTimerManager(),
	}
}

var (
	defaultBus     *DiscoveryBus
	defaultBusOnce sync.Once
)

// DefaultDiscoveryBus returns the shared process-wide bus, created
// lazily.
func DefaultDiscoveryBus() *DiscoveryBus {
	defaultBusOnce.Do(func() {
		defaultBus = NewDiscoveryBus()
	})
	return defaultBus
}

func (b *DiscoveryBus) register(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[c] = struct{}{}
	if !b.running {
		b.running = true
		b.timers.SchedulePeriodic("discovery_broadcast", broadcastInterval, b.tick)
	}
}

func (b *DiscoveryBus) unregister(c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, c)
	if len(b.clients) == 0 && b.running {
		b.running = false
		b.timers.StopTimer("discovery_broadcast")
	}
}

func (b *DiscoveryBus) tick() {
	b.mu.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.discoveryTick()
	}
}

// Stop shuts the worker down. Registered clients stay registered; a
// stopped bus never ticks again.
func (b *DiscoveryBus) Stop() {
	b.timers.Stop()
}

// newDiscoveryStore builds the TTL table backing a client's discovered
// map, with the forgotten callback wired through OnEvicted. The cleanup
// interval is zero on purpose: go-cache's own janitor goroutine is
// stopped only by a finalizer, so eviction is driven deterministically
// from the discovery tick via DeleteExpired instead.
func newDiscoveryStore(ttl time.Duration, onForgotten func(*discoveredServer)) *gocache.Cache {
	store := gocache.New(ttl, 0)
	store.OnEvicted(func(_ string, v interface{}) {
		onForgotten(v.(*discoveredServer))
	})
	return store
}

// discoveryTick runs once per broadcast interval for this client: first
// expired entries are evicted (firing the forgotten events), then one
// broadcast ping goes out per the discovery mode.
func (c *Client) discoveryTick() {
	c.mu.Lock()
	mode := c.mode
	closed := c.closed
	c.mu.Unlock()
	if closed || mode == DiscoveryNone || c.getListener() == nil {
		return
	}

	c.discovered.DeleteExpired()

	ping := &protocol.UnconnectedPing{
		SendTimestamp:   c.clockMillis(),
		ClientGUID:      c.guid,
		OpenConnections: mode == DiscoveryOpenConnectionsOnly,
	}
	broadcast := &net.UDPAddr{
		IP:   net.IPv4bcast,
		Port: c.cfg.DiscoveryPort,
	}
	c.sendPacket(broadcast, ping)
}

// handlePong updates the discovery table from one UNCONNECTED_PONG and
// emits the matching listener event.
func (c *Client) handlePong(sender *net.UDPAddr, pong *protocol.UnconnectedPong) {
	listener := c.getListener()
	if listener == nil {
		return
	}
	key := sender.String()
	entry := &discoveredServer{addr: sender, identifier: pong.Identifier}

	if prev, ok := c.discovered.Get(key); ok {
		changed := !bytes.Equal(prev.(*discoveredServer).identifier, pong.Identifier)
		c.discovered.Set(key, entry, gocache.DefaultExpiration)
		if changed {
			listener.OnServerIdentifierUpdate(sender, pong.Identifier)
		}
		return
	}
	c.discovered.Set(key, entry, gocache.DefaultExpiration)
	c.metrics.DiscoveredServers.Inc()
	listener.OnServerDiscovered(sender, pong.Identifier)
}
