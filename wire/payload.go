package wire

import (
	"fmt"
	"net"
)

// Protocol limits for list payloads.
const (
	MaxInventoryHashes = 2000
	MaxHeadersPerBatch = 2000
	MaxAddressEntries  = 200
	MaxLocatorHashes   = 500
	MaxUserAgentLength = 1024
)

// Payload is the body of a message.  The concrete type identifies the
// variant; a nil Payload means the command carried no body.
type Payload interface {
	// Command returns the command that carries this payload.
	Command() string
	// Bytes returns the wire serialization.
	Bytes() []byte
}

// Version is exchanged first during the handshake.
type Version struct {
	Version     uint32
	Services    uint64
	Timestamp   uint32
	Port        uint16
	Nonce       uint32
	UserAgent   string
	StartHeight uint32
	Relay       bool
}

// Command implements Payload.
func (v *Version) Command() string { return CmdVersion }

// Bytes implements Payload.
func (v *Version) Bytes() []byte {
	var bw binWriter
	bw.writeU32(v.Version)
	bw.writeU64(v.Services)
	bw.writeU32(v.Timestamp)
	bw.writeU16(v.Port)
	bw.writeU32(v.Nonce)
	bw.writeString(v.UserAgent)
	bw.writeU32(v.StartHeight)
	bw.writeBool(v.Relay)
	return bw.bytes()
}

func (v *Version) decode(br *binReader) {
	v.Version = br.readU32()
	v.Services = br.readU64()
	v.Timestamp = br.readU32()
	v.Port = br.readU16()
	v.Nonce = br.readU32()
	v.UserAgent = br.readString(MaxUserAgentLength)
	v.StartHeight = br.readU32()
	v.Relay = br.readBool()
}

// InventoryKind identifies what an inventory hash refers to.
type InventoryKind uint8

// Inventory kinds.
const (
	InvTransaction InventoryKind = 0x01
	InvBlock       InventoryKind = 0x02
	InvConsensus   InventoryKind = 0xe0
)

func (k InventoryKind) String() string {
	switch k {
	case InvTransaction:
		return "transaction"
	case InvBlock:
		return "block"
	case InvConsensus:
		return "consensus"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(k))
	}
}

// Valid reports whether k is a known inventory kind.
func (k InventoryKind) Valid() bool {
	return k == InvTransaction || k == InvBlock || k == InvConsensus
}

// Inventory announces (inv) or requests (getdata) hashes of one kind.
type Inventory struct {
	Kind   InventoryKind
	Hashes []Hash

	command string
}

// NewInventory returns an inv payload.
func NewInventory(kind InventoryKind, hashes ...Hash) *Inventory {
	return &Inventory{Kind: kind, Hashes: hashes}
}

// NewGetData returns a getdata payload.
func NewGetData(kind InventoryKind, hashes ...Hash) *Inventory {
	return &Inventory{Kind: kind, Hashes: hashes, command: CmdGetData}
}

// Command implements Payload.
func (inv *Inventory) Command() string {
	if inv.command != "" {
		return inv.command
	}
	return CmdInv
}

// Bytes implements Payload.
func (inv *Inventory) Bytes() []byte {
	var bw binWriter
	bw.writeU8(uint8(inv.Kind))
	bw.writeVarUint(uint64(len(inv.Hashes)))
	for _, h := range inv.Hashes {
		bw.writeHash(h)
	}
	return bw.bytes()
}

func (inv *Inventory) decode(br *binReader) {
	inv.Kind = InventoryKind(br.readU8())
	if br.err == nil && !inv.Kind.Valid() {
		br.err = fmt.Errorf("invalid inventory kind 0x%02x", uint8(inv.Kind))
		return
	}
	n := br.readCount(MaxInventoryHashes)
	inv.Hashes = make([]Hash, 0, n)
	for i := 0; i < n && br.err == nil; i++ {
		inv.Hashes = append(inv.Hashes, br.readHash())
	}
}

// AddressEntry is one known peer address.
type AddressEntry struct {
	Timestamp uint32
	Services  uint64
	IP        [16]byte
	Port      uint16
}

// NewAddressEntry builds an entry from a host and port.
func NewAddressEntry(ip net.IP, port uint16, services uint64, timestamp uint32) AddressEntry {
	e := AddressEntry{Timestamp: timestamp, Services: services, Port: port}
	copy(e.IP[:], ip.To16())
	return e
}

// String returns host:port.
func (e AddressEntry) String() string {
	return net.JoinHostPort(net.IP(e.IP[:]).String(), fmt.Sprint(e.Port))
}

// AddressList answers a getaddr.
type AddressList struct {
	Entries []AddressEntry
}

// Command implements Payload.
func (a *AddressList) Command() string { return CmdAddr }

// Bytes implements Payload.
func (a *AddressList) Bytes() []byte {
	var bw binWriter
	bw.writeVarUint(uint64(len(a.Entries)))
	for _, e := range a.Entries {
		bw.writeU32(e.Timestamp)
		bw.writeU64(e.Services)
		bw.buf.Write(e.IP[:])
		// Port is network byte order.
		bw.writeU16BE(e.Port)
	}
	return bw.bytes()
}

func (a *AddressList) decode(br *binReader) {
	n := br.readCount(MaxAddressEntries)
	a.Entries = make([]AddressEntry, 0, n)
	for i := 0; i < n && br.err == nil; i++ {
		var e AddressEntry
		e.Timestamp = br.readU32()
		e.Services = br.readU64()
		br.readFixed(e.IP[:])
		e.Port = br.readU16BE()
		a.Entries = append(a.Entries, e)
	}
}

// HeaderBatch answers a getheaders.
type HeaderBatch struct {
	Headers []*Header
}

// Command implements Payload.
func (hb *HeaderBatch) Command() string { return CmdHeaders }

// Bytes implements Payload.
func (hb *HeaderBatch) Bytes() []byte {
	var bw binWriter
	bw.writeVarUint(uint64(len(hb.Headers)))
	for _, h := range hb.Headers {
		h.encode(&bw)
		// Headers travel with an empty transaction count.
		bw.writeU8(0)
	}
	return bw.bytes()
}

func (hb *HeaderBatch) decode(br *binReader) {
	n := br.readCount(MaxHeadersPerBatch)
	hb.Headers = make([]*Header, 0, n)
	for i := 0; i < n && br.err == nil; i++ {
		h := new(Header)
		h.decode(br)
		if pad := br.readU8(); br.err == nil && pad != 0 {
			br.err = fmt.Errorf("header %d: unexpected transaction count %d", i, pad)
		}
		hb.Headers = append(hb.Headers, h)
	}
}

// Transaction is an opaque serialized transaction.
type Transaction struct {
	Raw []byte
}

// Command implements Payload.
func (t *Transaction) Command() string { return CmdTx }

// Bytes implements Payload.
func (t *Transaction) Bytes() []byte { return t.Raw }

// Hash returns the double sha256 of the raw transaction.
func (t *Transaction) Hash() Hash { return DoubleHashH(t.Raw) }

func (t *Transaction) decode(br *binReader) {
	rd, ok := br.r.(interface{ Len() int })
	if !ok || br.err != nil {
		return
	}
	t.Raw = make([]byte, rd.Len())
	br.readFixed(t.Raw)
}

// GetBlocks is the optional locator body of getheaders and getblocks.
type GetBlocks struct {
	HashStart []Hash
	HashStop  Hash

	command string
}

// NewGetHeaders returns a getheaders locator payload.
func NewGetHeaders(start []Hash, stop Hash) *GetBlocks {
	return &GetBlocks{HashStart: start, HashStop: stop, command: CmdGetHeaders}
}

// NewGetBlocks returns a getblocks locator payload.
func NewGetBlocks(start []Hash, stop Hash) *GetBlocks {
	return &GetBlocks{HashStart: start, HashStop: stop, command: CmdGetBlocks}
}

// Command implements Payload.
func (g *GetBlocks) Command() string {
	if g.command != "" {
		return g.command
	}
	return CmdGetBlocks
}

// Bytes implements Payload.
func (g *GetBlocks) Bytes() []byte {
	var bw binWriter
	bw.writeVarUint(uint64(len(g.HashStart)))
	for _, h := range g.HashStart {
		bw.writeHash(h)
	}
	bw.writeHash(g.HashStop)
	return bw.bytes()
}

func (g *GetBlocks) decode(br *binReader) {
	n := br.readCount(MaxLocatorHashes)
	g.HashStart = make([]Hash, 0, n)
	for i := 0; i < n && br.err == nil; i++ {
		g.HashStart = append(g.HashStart, br.readHash())
	}
	g.HashStop = br.readHash()
}
