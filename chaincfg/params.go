package chaincfg

import (
	"fmt"
	"net"
	"time"

	"chainsync-core/wire"
)

// Params defines a network configuration.
type Params struct {
	Name        string
	Net         uint32
	DefaultPort string
	SeedNodes   []string

	// GenesisPrevHash is the parent hash the height 0 block must carry.
	GenesisPrevHash wire.Hash

	ProtocolVersion uint32
	Services        uint64
	UserAgent       string

	// MaxPayloadLength caps a single frame's payload.
	MaxPayloadLength uint32

	// Tor configuration
	TorProxyAddr string

	// BlockInterval is the expected time between blocks, used to decide
	// how stale a tip may be before a header request is forced.
	BlockInterval time.Duration
}

// MainNetParams are the parameters of the main network.
var MainNetParams = Params{
	Name:        "mainnet",
	Net:         0x00746e41,
	DefaultPort: "10333",
	SeedNodes: []string{
		"seed1.neo.org:10333",
		"seed2.neo.org:10333",
		"seed3.neo.org:10333",
		"seed4.neo.org:10333",
		"seed5.neo.org:10333",
	},
	ProtocolVersion:  0,
	Services:         1,
	UserAgent:        "/chainsync:0.1.0/",
	MaxPayloadLength: wire.DefaultMaxPayloadLength,
	TorProxyAddr:     "127.0.0.1:9050",
	BlockInterval:    15 * time.Second,
}

// TestNetParams are the parameters of the public test network.
var TestNetParams = Params{
	Name:        "testnet",
	Net:         0x74746e41,
	DefaultPort: "20333",
	SeedNodes: []string{
		"seed1.neo.org:20333",
		"seed2.neo.org:20333",
		"seed3.neo.org:20333",
	},
	ProtocolVersion:  0,
	Services:         1,
	UserAgent:        "/chainsync:0.1.0/",
	MaxPayloadLength: wire.DefaultMaxPayloadLength,
	TorProxyAddr:     "127.0.0.1:9050",
	BlockInterval:    15 * time.Second,
}

// RegTestParams describe a private network with no seeds.
var RegTestParams = Params{
	Name:             "regtest",
	Net:              0x00746e52,
	DefaultPort:      "30333",
	Services:         1,
	UserAgent:        "/chainsync:0.1.0/",
	MaxPayloadLength: 4 * 1024 * 1024,
	TorProxyAddr:     "127.0.0.1:9050",
	BlockInterval:    time.Second,
}

// ForNetwork returns the parameters registered under name.
func ForNetwork(name string) (*Params, error) {
	switch name {
	case MainNetParams.Name, "":
		return &MainNetParams, nil
	case TestNetParams.Name:
		return &TestNetParams, nil
	case RegTestParams.Name:
		return &RegTestParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}

// NormalizeAddress appends the default port to addr when it has none.
func (p *Params) NormalizeAddress(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, p.DefaultPort)
}
