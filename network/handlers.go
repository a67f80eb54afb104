package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"chainsync-core/database"
	"chainsync-core/syncpool"
	"chainsync-core/wire"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

const (
	// maxBlocksPerRequest bounds one getdata for missing blocks.
	maxBlocksPerRequest = 100
	// maxBlocksPerInv bounds a getblocks answer.
	maxBlocksPerInv = 500
)

// handleMessage routes one decoded frame from an acknowledged session.
func (n *Node) handleMessage(s *Session, msg *wire.Message, now time.Time) {
	s.Touch(now)
	n.metrics.MessagesReceived.With("command", commandLabel(msg.Command)).Add(1)
	if n.cfg.DumpMessages {
		n.log.WithFields(logrus.Fields{"peer": s.Addr(), "command": msg.Command}).
			Trace(spew.Sdump(msg.Payload))
	}
	s.ObserveResponse(msg.Command)

	switch p := msg.Payload.(type) {
	case *wire.Version:
		n.violation(s, fmt.Errorf("unexpected %s after handshake", msg.Command))
	case *wire.AddressList:
		n.handleAddr(s, p)
	case *wire.HeaderBatch:
		n.handleHeaders(s, p, now)
	case *wire.Block:
		n.handleBlock(s, p, now)
	case *wire.Transaction:
		n.metrics.TxDropped.Add(1)
	case *wire.Inventory:
		if msg.Command == wire.CmdGetData {
			n.handleGetData(s, p)
		} else {
			n.handleInv(s, p, now)
		}
	case *wire.GetBlocks:
		if msg.Command == wire.CmdGetHeaders {
			n.handleGetHeaders(s, p)
		} else {
			n.handleGetBlocks(s, p)
		}
	case nil:
		switch msg.Command {
		case wire.CmdVerack:
			n.violation(s, fmt.Errorf("unexpected %s after handshake", msg.Command))
		case wire.CmdGetAddr:
			n.handleGetAddr(s, now)
		}
	}
}

func (n *Node) violation(s *Session, err error) {
	if s.RecordViolation(err) {
		n.log.WithField("peer", s.Addr()).Info("Peer exceeded violation limit")
	}
}

func (n *Node) send(s *Session, cmd string, payload wire.Payload) bool {
	if err := s.Send(wire.NewMessage(n.params.Net, cmd, payload)); err != nil {
		n.metrics.DroppedSends.Add(1)
		return false
	}
	return true
}

func (n *Node) handleAddr(s *Session, list *wire.AddressList) {
	added := n.book.AddEntries(list.Entries)
	if added > 0 {
		n.log.WithFields(logrus.Fields{"peer": s.Addr(), "added": added}).Debug("Learned peer addresses")
	}
}

func (n *Node) handleHeaders(s *Session, batch *wire.HeaderBatch, now time.Time) {
	promoted, err := n.state.Pools().AddHeaders(batch.Headers, now)
	if err != nil {
		if errors.Is(err, syncpool.ErrChainLink) {
			n.metrics.ChainLinkErrors.Add(1)
		}
		n.violation(s, err)
	}
	// A full batch that moved the tip means the peer has more.
	if promoted > 0 && len(batch.Headers) >= wire.MaxHeadersPerBatch && s.IsGood() {
		n.requestHeaders(s, now)
	}
}

func (n *Node) handleBlock(s *Session, block *wire.Block, now time.Time) {
	promoted, err := n.state.Pools().AddBlock(block, now)
	switch {
	case errors.Is(err, syncpool.ErrChainLink):
		n.metrics.ChainLinkErrors.Add(1)
		n.violation(s, err)
	case err != nil:
		n.log.WithError(err).WithField("height", block.Height()).Error("Failed to persist block")
	case promoted > 0:
		n.log.WithFields(logrus.Fields{
			"height":   n.state.Pools().BlockTip().Height,
			"promoted": promoted,
		}).Debug("Blocks verified")
	}
}

func (n *Node) handleInv(s *Session, inv *wire.Inventory, now time.Time) {
	if inv.Kind != wire.InvBlock {
		return
	}
	want := make([]wire.Hash, 0, len(inv.Hashes))
	for _, h := range inv.Hashes {
		ok, err := n.store.ContainsHash(h)
		if err == nil && !ok {
			want = append(want, h)
		}
	}
	if len(want) == 0 {
		return
	}
	if n.send(s, wire.CmdGetData, wire.NewGetData(wire.InvBlock, want...)) {
		s.RequestSent(wire.CmdGetData, now)
	}
}

func (n *Node) handleGetAddr(s *Session, now time.Time) {
	entries := make([]wire.AddressEntry, 0, wire.MaxAddressEntries)
	for _, other := range n.state.Sessions() {
		if len(entries) == wire.MaxAddressEntries {
			break
		}
		if other == s || !other.IsGood() {
			continue
		}
		host, portStr, err := net.SplitHostPort(other.Addr())
		if err != nil {
			continue
		}
		ip := net.ParseIP(host)
		port, err := strconv.ParseUint(portStr, 10, 16)
		if ip == nil || err != nil {
			continue
		}
		entries = append(entries, wire.NewAddressEntry(ip, uint16(port), n.params.Services, uint32(now.Unix())))
	}
	n.send(s, wire.CmdAddr, &wire.AddressList{Entries: entries})
}

// locate returns the height of the first locator hash found in the store,
// or -1 so that serving starts at genesis.
func (n *Node) locate(locator []wire.Hash) int64 {
	for _, h := range locator {
		b, err := n.store.GetBlockByHash(h)
		if err == nil {
			return int64(b.Height())
		}
	}
	return -1
}

// collect walks stored blocks after the locator until stop or max.
func (n *Node) collect(g *wire.GetBlocks, max int, fn func(b *wire.Block)) {
	start := n.locate(g.HashStart)
	for h, count := start+1, 0; count < max; h, count = h+1, count+1 {
		b, err := n.store.GetBlockByHeight(uint32(h))
		if err != nil {
			if !errors.Is(err, database.ErrBlockNotFound) {
				n.log.WithError(err).Warn("Failed to read block")
			}
			return
		}
		fn(b)
		if !g.HashStop.IsZero() && b.Hash() == g.HashStop {
			return
		}
	}
}

func (n *Node) handleGetHeaders(s *Session, g *wire.GetBlocks) {
	var headers []*wire.Header
	n.collect(g, wire.MaxHeadersPerBatch, func(b *wire.Block) {
		hdr := b.Header
		headers = append(headers, &hdr)
	})
	if len(headers) > 0 {
		n.send(s, wire.CmdHeaders, &wire.HeaderBatch{Headers: headers})
	}
}

func (n *Node) handleGetBlocks(s *Session, g *wire.GetBlocks) {
	var hashes []wire.Hash
	n.collect(g, maxBlocksPerInv, func(b *wire.Block) {
		hashes = append(hashes, b.Hash())
	})
	if len(hashes) > 0 {
		n.send(s, wire.CmdInv, wire.NewInventory(wire.InvBlock, hashes...))
	}
}

func (n *Node) handleGetData(s *Session, inv *wire.Inventory) {
	if inv.Kind != wire.InvBlock {
		return
	}
	for _, h := range inv.Hashes {
		b, err := n.store.GetBlockByHash(h)
		if err != nil {
			continue
		}
		if !n.send(s, wire.CmdBlock, b) {
			return
		}
	}
}

// fireRequests sends every periodic request whose timer is due.
func (n *Node) fireRequests(s *Session, now time.Time) {
	for _, cmd := range s.ReadyRequests(now) {
		switch cmd {
		case wire.CmdGetHeaders:
			n.requestHeaders(s, now)
		case wire.CmdGetData:
			missing := n.state.Pools().MissingBlocks(maxBlocksPerRequest)
			if len(missing) == 0 {
				continue
			}
			if n.send(s, cmd, wire.NewGetData(wire.InvBlock, missing...)) {
				s.RequestSent(cmd, now)
			}
		case wire.CmdGetAddr:
			if n.book.Len() >= maxKnownAddresses {
				continue
			}
			fallthrough
		default:
			if n.send(s, cmd, nil) {
				s.RequestSent(cmd, now)
			}
		}
	}
}

func (n *Node) requestHeaders(s *Session, now time.Time) {
	locator := n.state.Pools().Locator()
	if n.send(s, wire.CmdGetHeaders, wire.NewGetHeaders(locator, wire.Hash{})) {
		s.RequestSent(wire.CmdGetHeaders, now)
	}
}

// commandLabel bounds metric label cardinality to the known commands.
func commandLabel(cmd string) string {
	switch {
	case cmd == wire.CmdKeepAlive:
		return "keepalive"
	case wire.IsKnownCommand(cmd):
		return cmd
	default:
		return "other"
	}
}
