package raknet

import (
	"fmt"
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/appnet-org/raknet/pkg/protocol"
	"github.com/appnet-org/raknet/pkg/transport"
)

// DiscoveryMode selects which servers a client's broadcast pings address.
type DiscoveryMode int

const (
	// DiscoveryNone disables the broadcast loop.
	DiscoveryNone DiscoveryMode = iota
	// DiscoveryAllConnections pings every server on the discovery port.
	DiscoveryAllConnections
	// DiscoveryOpenConnectionsOnly pings only servers with free slots.
	DiscoveryOpenConnectionsOnly
)

func (m DiscoveryMode) String() string {
	switch m {
	case DiscoveryNone:
		return "none"
	case DiscoveryAllConnections:
		return "all_connections"
	case DiscoveryOpenConnectionsOnly:
		return "open_connections_only"
	}
	return "invalid"
}

// ParseDiscoveryMode parses the string form used by environment
// configuration.
func ParseDiscoveryMode(s string) (DiscoveryMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return DiscoveryNone, nil
	case "all", "all_connections":
		return DiscoveryAllConnections, nil
	case "open", "open_connections_only":
		return DiscoveryOpenConnectionsOnly, nil
	}
	return DiscoveryNone, fmt.Errorf("unknown discovery mode %q", s)
}

// MTUCandidate is one rung of the MTU probe ladder: a candidate size and
// the number of OPEN_CONNECTION_REQUEST_1 attempts made at that size.
type MTUCandidate struct {
	MTU     uint16
	Retries int
}

// defaultLadder is the probe ladder used when the configuration does not
// override it.
var defaultLadder = []MTUCandidate{
	{MTU: 1492, Retries: 4},
	{MTU: 1200, Retries: 5},
	{MTU: 576, Retries: 5},
}

// Config carries client construction options. Start from DefaultConfig
// and override fields as needed.
type Config struct {
	// LocalAddress is the local bind address; empty binds an ephemeral
	// port on all interfaces.
	LocalAddress string

	// DiscoveryPort is the UDP port broadcast pings are addressed to.
	// Zero disables discovery and forces DiscoveryMode to none.
	DiscoveryPort int

	// DiscoveryMode selects the broadcast ping variant.
	DiscoveryMode DiscoveryMode

	// Threaded runs the session update loop on a dedicated worker. When
	// false the caller drives progress through Update.
	Threaded bool

	// ProtocolVersion overrides the RakNet protocol version; zero means
	// protocol.ProtocolVersion.
	ProtocolVersion byte

	// MTULadder overrides the probe ladder; nil means the default
	// {(1492,4),(1200,5),(576,5)}, capped by the interface MTU when one
	// can be detected.
	MTULadder []MTUCandidate

	// Metrics overrides the shared default metrics.
	Metrics *Metrics

	// Bus overrides the shared discovery bus.
	Bus *DiscoveryBus
}

// DefaultConfig returns the configuration a plain client starts from.
func DefaultConfig() Config {
	return Config{Threaded: true}
}

// envConfig mirrors Config for envconfig decoding.
type envConfig struct {
	DiscoveryPort int    `envconfig:"DISCOVERY_PORT" default:"0"`
	DiscoveryMode string `envconfig:"DISCOVERY_MODE" default:"none"`
	Threaded      bool   `envconfig:"THREADED" default:"true"`
	LocalAddress  string `envconfig:"LOCAL_ADDRESS" default:""`
}

// ConfigFromEnv builds a Config from RAKNET_-prefixed environment
// variables: RAKNET_DISCOVERY_PORT, RAKNET_DISCOVERY_MODE,
// RAKNET_THREADED, RAKNET_LOCAL_ADDRESS.
func ConfigFromEnv() (Config, error) {
	var ec envConfig
	if err := envconfig.Process("raknet", &ec); err != nil {
		return Config{}, err
	}
	mode, err := ParseDiscoveryMode(ec.DiscoveryMode)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	cfg.LocalAddress = ec.LocalAddress
	cfg.DiscoveryPort = ec.DiscoveryPort
	cfg.DiscoveryMode = mode
	cfg.Threaded = ec.Threaded
	return cfg, nil
}

// normalize applies defaults and the invariants between fields.
func (c *Config) normalize() {
	if c.DiscoveryPort == 0 {
		c.DiscoveryMode = DiscoveryNone
	}
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = protocol.ProtocolVersion
	}
	if len(c.MTULadder) == 0 {
		c.MTULadder = defaultLadder
	}
	if limit := transport.InterfaceMTU(); limit > 0 {
		ladder := make([]MTUCandidate, 0, len(c.MTULadder))
		for _, cand := range c.MTULadder {
			if int(cand.MTU) <= limit {
				ladder = append(ladder, cand)
			}
		}
		if len(ladder) > 0 {
			c.MTULadder = ladder
		}
	}
	if c.Metrics == nil {
		c.Metrics = DefaultMetrics()
	}
}
