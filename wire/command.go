package wire

// CommandSize is the fixed size of the command field in a frame header.
const CommandSize = 12

// Commands understood by the node.  Matching is exact and case sensitive.
const (
	CmdVersion    = "version"
	CmdVerack     = "verack"
	CmdGetAddr    = "getaddr"
	CmdAddr       = "addr"
	CmdGetHeaders = "getheaders"
	CmdHeaders    = "headers"
	CmdGetBlocks  = "getblocks"
	CmdGetData    = "getdata"
	CmdInv        = "inv"
	CmdMempool    = "mempool"
	CmdTx         = "tx"
	CmdBlock      = "block"

	// CmdKeepAlive is the empty command used by padding frames.
	CmdKeepAlive = ""
)

// payloadDecoder parses a payload body into its variant.  A nil decoder
// marks a command whose body is always ignored.
type payloadDecoder func(br *binReader) Payload

// commandTable resolves a command to its payload constructor once, replacing
// a chain of string comparisons at the dispatch site.  Commands listed in
// emptyBodied yield a nil payload when their body is empty.
var commandTable = map[string]payloadDecoder{
	CmdVersion:    func(br *binReader) Payload { v := new(Version); v.decode(br); return v },
	CmdVerack:     nil,
	CmdGetAddr:    nil,
	CmdAddr:       func(br *binReader) Payload { a := new(AddressList); a.decode(br); return a },
	CmdGetHeaders: func(br *binReader) Payload { g := new(GetBlocks); g.decode(br); g.command = CmdGetHeaders; return g },
	CmdHeaders:    func(br *binReader) Payload { h := new(HeaderBatch); h.decode(br); return h },
	CmdGetBlocks:  func(br *binReader) Payload { g := new(GetBlocks); g.decode(br); g.command = CmdGetBlocks; return g },
	CmdGetData:    func(br *binReader) Payload { i := new(Inventory); i.decode(br); i.command = CmdGetData; return i },
	CmdInv:        func(br *binReader) Payload { i := new(Inventory); i.decode(br); return i },
	CmdMempool:    nil,
	CmdTx:         func(br *binReader) Payload { t := new(Transaction); t.decode(br); return t },
	CmdBlock:      func(br *binReader) Payload { b := new(Block); b.decode(br); return b },
	CmdKeepAlive:  nil,
}

var emptyBodied = map[string]bool{
	CmdVerack:     true,
	CmdGetAddr:    true,
	CmdGetData:    true,
	CmdGetBlocks:  true,
	CmdMempool:    true,
	CmdGetHeaders: true,
	CmdKeepAlive:  true,
}

// IsKnownCommand reports whether cmd is one of the recognized commands.
func IsKnownCommand(cmd string) bool {
	_, ok := commandTable[cmd]
	return ok
}

// IsEmptyBodied reports whether cmd may legitimately carry no payload.
func IsEmptyBodied(cmd string) bool {
	return emptyBodied[cmd]
}

// isPrintableCommand reports whether every byte of the trimmed command is
// printable ASCII.
func isPrintableCommand(cmd string) bool {
	for i := 0; i < len(cmd); i++ {
		if cmd[i] < 0x20 || cmd[i] > 0x7e {
			return false
		}
	}
	return true
}

func isAlphabetic(cmd string) bool {
	if cmd == "" {
		return false
	}
	for i := 0; i < len(cmd); i++ {
		c := cmd[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}
