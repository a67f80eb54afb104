package wire

import "fmt"

// HeaderVersion is the current header version.
const HeaderVersion = 0

// MaxTransactionsPerBlock bounds the transaction count accepted in a block
// payload.
const MaxTransactionsPerBlock = 0xffff

// Header defines information about a block and is used in the block and
// headers messages.
type Header struct {
	// Version of the block.  This is not the same as the protocol version.
	Version uint32

	// Hash of the previous block header in the block chain.
	PrevHash Hash

	// MerkleRoot is the double sha256 hash of all of the transaction
	// hashes in the block.
	MerkleRoot Hash

	// Timestamp the block was created, in unix seconds.
	Timestamp uint32

	// Height of the block, genesis is 0.
	Height uint32

	// ConsensusData is the nonce chosen by the block producer.
	ConsensusData uint64

	// NextConsensus is the script hash of the next block producers.
	NextConsensus [20]byte

	// Script holds the witness.  It is not part of the hash.
	Script []byte
}

func (h *Header) encodeUnsigned(bw *binWriter) {
	bw.writeU32(h.Version)
	bw.writeHash(h.PrevHash)
	bw.writeHash(h.MerkleRoot)
	bw.writeU32(h.Timestamp)
	bw.writeU32(h.Height)
	bw.writeU64(h.ConsensusData)
	bw.buf.Write(h.NextConsensus[:])
}

func (h *Header) encode(bw *binWriter) {
	h.encodeUnsigned(bw)
	bw.writeVarBytes(h.Script)
}

func (h *Header) decode(br *binReader) {
	h.Version = br.readU32()
	h.PrevHash = br.readHash()
	h.MerkleRoot = br.readHash()
	h.Timestamp = br.readU32()
	h.Height = br.readU32()
	h.ConsensusData = br.readU64()
	br.readFixed(h.NextConsensus[:])
	h.Script = br.readVarBytes(MaxVarBytes)
}

// Hash calculates the hash of the header, excluding the witness script.
func (h *Header) Hash() Hash {
	var bw binWriter
	h.encodeUnsigned(&bw)
	return DoubleHashH(bw.bytes())
}

// String implements fmt.Stringer for logging.
func (h *Header) String() string {
	return fmt.Sprintf("header %d %s", h.Height, h.Hash())
}

// Block is a header plus its transactions.  Transactions are kept as opaque
// serialized bytes; interpreting them belongs to the validation layer.
type Block struct {
	Header       Header
	Transactions [][]byte
}

// NewBlock returns a block with the given header and no transactions.
func NewBlock(header *Header) *Block {
	return &Block{
		Header:       *header,
		Transactions: make([][]byte, 0, 8),
	}
}

// AddTransaction appends a serialized transaction.
func (b *Block) AddTransaction(tx []byte) {
	b.Transactions = append(b.Transactions, tx)
}

// Hash returns the hash of the block header.
func (b *Block) Hash() Hash {
	return b.Header.Hash()
}

// Height returns the block height.
func (b *Block) Height() uint32 {
	return b.Header.Height
}

// PrevHash returns the parent hash.
func (b *Block) PrevHash() Hash {
	return b.Header.PrevHash
}

// Command implements Payload.
func (b *Block) Command() string { return CmdBlock }

// Bytes returns the wire serialization of the block.
func (b *Block) Bytes() []byte {
	var bw binWriter
	b.Header.encode(&bw)
	bw.writeVarUint(uint64(len(b.Transactions)))
	for _, tx := range b.Transactions {
		bw.writeVarBytes(tx)
	}
	return bw.bytes()
}

func (b *Block) decode(br *binReader) {
	b.Header.decode(br)
	n := br.readCount(MaxTransactionsPerBlock)
	b.Transactions = make([][]byte, 0, n)
	for i := 0; i < n && br.err == nil; i++ {
		b.Transactions = append(b.Transactions, br.readVarBytes(MaxVarBytes))
	}
}

// DecodeBlock parses a serialized block as produced by Block.Bytes.
func DecodeBlock(data []byte) (*Block, error) {
	br := newBinReader(data)
	b := new(Block)
	b.decode(br)
	if err := br.done(); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return b, nil
}
