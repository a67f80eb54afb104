package network

import (
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"chainsync-core/chaincfg"
	"chainsync-core/wire"
)

// maxKnownAddresses bounds the address book.
const maxKnownAddresses = 4096

// AddressBook tracks candidate peer addresses learned from seeds and addr
// messages.
type AddressBook struct {
	mu         sync.Mutex
	params     *chaincfg.Params
	torEnabled bool
	known      map[string]time.Time
	seeds      []string
}

// NewAddressBook creates a book seeded from params.
func NewAddressBook(params *chaincfg.Params, torEnabled bool) *AddressBook {
	return &AddressBook{
		params:     params,
		torEnabled: torEnabled,
		known:      make(map[string]time.Time),
	}
}

// AddSeedNodes manually adds seed nodes to the book.
func (b *AddressBook) AddSeedNodes(seeds []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range seeds {
		s = b.params.NormalizeAddress(s)
		b.seeds = append(b.seeds, s)
		b.addLocked(s, time.Time{})
	}
}

// DiscoverPeers adds the network's seed nodes and returns every known
// dialable address.
func (b *AddressBook) DiscoverPeers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.params.SeedNodes {
		b.addLocked(s, time.Time{})
	}
	out := make([]string, 0, len(b.known))
	for addr := range b.known {
		if b.dialable(addr) {
			out = append(out, addr)
		}
	}
	return out
}

// AddEntries records addresses from an addr message.
func (b *AddressBook) AddEntries(entries []wire.AddressEntry) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range entries {
		if e.Port == 0 {
			continue
		}
		if b.addLocked(e.String(), time.Unix(int64(e.Timestamp), 0)) {
			n++
		}
	}
	return n
}

func (b *AddressBook) addLocked(addr string, seen time.Time) bool {
	if _, ok := b.known[addr]; ok {
		return false
	}
	if len(b.known) >= maxKnownAddresses {
		return false
	}
	b.known[addr] = seen
	return true
}

// Candidates returns up to n dialable addresses for which skip is false, in
// random order.
func (b *AddressBook) Candidates(n int, skip func(addr string) bool) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for addr := range b.known {
		if !b.dialable(addr) || (skip != nil && skip(addr)) {
			continue
		}
		out = append(out, addr)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Len returns the number of known addresses.
func (b *AddressBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.known)
}

// dialable reports whether addr can be reached with the current transport.
func (b *AddressBook) dialable(addr string) bool {
	return b.torEnabled || !isOnionAddress(addr)
}

// isOnionAddress checks if an address is a Tor onion address.
func isOnionAddress(address string) bool {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return false
	}
	return len(host) > 6 && strings.HasSuffix(host, ".onion")
}
