// Package mempool manages pending transactions waiting for block inclusion.
package mempool

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("transaction already in mempool")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("transaction failed validation")
)

// entry wraps a transaction with its arrival sequence.
type entry struct {
	tx     *block.Transaction
	txHash types.Hash
	seq    uint64
}

// Pool holds unconfirmed transactions in arrival order. The leader takes
// them first-in first-out; there are no fees.
type Pool struct {
	mu      sync.RWMutex
	txs     map[types.Hash]*entry // txHash -> entry
	nextSeq uint64
	maxSize int
	policy  *Policy
}

// New creates a new mempool holding at most maxSize transactions.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = 5000
	}
	return &Pool{
		txs:     make(map[types.Hash]*entry),
		maxSize: maxSize,
		policy:  DefaultPolicy(),
	}
}

// Add validates and appends a transaction.
func (p *Pool) Add(transaction *block.Transaction) error {
	if transaction == nil {
		return fmt.Errorf("%w: nil transaction", ErrValidation)
	}
	if transaction.ComputeHash() != transaction.Hash {
		return fmt.Errorf("%w: hash mismatch", ErrValidation)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.policy != nil {
		if err := p.policy.Check(transaction); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	if _, exists := p.txs[transaction.Hash]; exists {
		return ErrAlreadyExists
	}
	if len(p.txs) >= p.maxSize {
		return ErrPoolFull
	}

	p.txs[transaction.Hash] = &entry{
		tx:     transaction,
		txHash: transaction.Hash,
		seq:    p.nextSeq,
	}
	p.nextSeq++
	return nil
}

// Remove removes transactions by hash. Unknown hashes are ignored.
func (p *Pool) Remove(hashes []types.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range hashes {
		delete(p.txs, h)
	}
}

// RemoveConfirmed removes all transactions that were included in a block.
func (p *Pool) RemoveConfirmed(transactions []*block.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range transactions {
		delete(p.txs, t.Hash)
	}
}

// Has checks if a transaction exists in the mempool.
func (p *Pool) Has(txHash types.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, exists := p.txs[txHash]
	return exists
}

// Get retrieves a transaction from the mempool.
func (p *Pool) Get(txHash types.Hash) *block.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, exists := p.txs[txHash]
	if !exists {
		return nil
	}
	return e.tx
}

// Count returns the number of transactions in the mempool.
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.txs)
}

// SelectForBlock returns up to limit transactions, oldest first.
func (p *Pool) SelectForBlock(limit int) []*block.Transaction {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries := p.sortedLocked()
	if limit > len(entries) {
		limit = len(entries)
	}

	result := make([]*block.Transaction, limit)
	for i := 0; i < limit; i++ {
		result[i] = entries[i].tx
	}
	return result
}

func (p *Pool) sortedLocked() []*entry {
	entries := make([]*entry, 0, len(p.txs))
	for _, e := range p.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
	return entries
}
