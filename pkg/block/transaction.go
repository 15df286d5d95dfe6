package block

import (
	"encoding/binary"
	"encoding/json"

	"github.com/stjordanis/loopchain/pkg/crypto"
	"github.com/stjordanis/loopchain/pkg/types"
)

// MethodSendTransaction is the engine method used for ordinary transactions.
const MethodSendTransaction = "icx_sendTransaction"

// Transaction carries an opaque payload for the execution engine.
// Data holds the full payload as submitted; for the genesis block it is
// the genesis data itself.
type Transaction struct {
	Hash      types.Hash      `json:"tx_hash"`
	Timestamp int64           `json:"timestamp"`
	From      string          `json:"from"`
	Method    string          `json:"method"`
	Data      json.RawMessage `json:"data"`
	Signature []byte          `json:"signature,omitempty"`
}

// NewTransaction builds a transaction and computes its hash.
func NewTransaction(from, method string, data json.RawMessage, timestamp int64) *Transaction {
	if method == "" {
		method = MethodSendTransaction
	}
	t := &Transaction{
		Timestamp: timestamp,
		From:      from,
		Method:    method,
		Data:      data,
	}
	t.Hash = t.ComputeHash()
	return t
}

// ComputeHash hashes the transaction contents, excluding the signature.
func (t *Transaction) ComputeHash() types.Hash {
	buf := make([]byte, 0, 8+len(t.From)+len(t.Method)+len(t.Data)+6)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.Timestamp))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.From)))
	buf = append(buf, t.From...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t.Method)))
	buf = append(buf, t.Method...)
	buf = append(buf, t.Data...)
	return crypto.Hash(buf)
}

// TxRoot computes the merkle root of the transactions' hashes.
func TxRoot(txs []*Transaction) types.Hash {
	hashes := make([]types.Hash, len(txs))
	for i, t := range txs {
		hashes[i] = t.Hash
	}
	return ComputeMerkleRoot(hashes)
}
