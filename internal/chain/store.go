// Package chain persists a channel's blocks.
package chain

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/stjordanis/loopchain/internal/storage"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> block JSON
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32)
	prefixTx     = []byte("x/") // x/<txhash(32)> -> height(8) + blockHash(32)
	keyTipHash   = []byte("s/tip")
	keyHeight    = []byte("s/height")
)

// Store errors.
var (
	ErrStoreClosed  = errors.New("block store closed")
	ErrNotNextBlock = errors.New("block does not extend the tip")
	ErrBlockMissing = errors.New("block not found")
)

// BlockStore persists blocks and the chain tip to a storage.DB.
// Safe for concurrent use; writes are expected from a single goroutine.
type BlockStore struct {
	db storage.DB

	mu     sync.RWMutex
	last   *block.Block
	closed bool
}

// NewBlockStore opens a block store backed by the given database and
// loads the current tip.
func NewBlockStore(db storage.DB) (*BlockStore, error) {
	bs := &BlockStore{db: db}

	hash, height, err := bs.getTip()
	if err != nil {
		return nil, err
	}
	if height == types.NoHeight {
		return bs, nil
	}
	last, err := bs.GetBlock(hash)
	if err != nil {
		return nil, fmt.Errorf("load tip block %d: %w", height, err)
	}
	bs.last = last
	return bs, nil
}

// Height returns the tip height, or types.NoHeight for an empty channel.
func (bs *BlockStore) Height() int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.last.Height()
}

// LastBlock returns the tip block, or nil for an empty channel.
func (bs *BlockStore) LastBlock() *block.Block {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.last
}

// PutBlock stores a block that extends the tip, indexes it by hash,
// height and tx hashes, and advances the tip.
func (bs *BlockStore) PutBlock(blk *block.Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if bs.closed {
		return ErrStoreClosed
	}
	if err := blk.ValidateLink(bs.last); err != nil {
		return fmt.Errorf("%w: %v", ErrNotNextBlock, err)
	}

	data, err := json.Marshal(blk)
	if err != nil {
		return fmt.Errorf("block marshal: %w", err)
	}

	hash := blk.Hash()
	if err := bs.db.Put(blockKey(hash), data); err != nil {
		return fmt.Errorf("block put: %w", err)
	}
	if err := bs.db.Put(heightKey(blk.Height()), hash[:]); err != nil {
		return fmt.Errorf("height index put: %w", err)
	}

	for _, t := range blk.Transactions {
		val := make([]byte, 8+types.HashSize)
		binary.BigEndian.PutUint64(val[:8], uint64(blk.Height()))
		copy(val[8:], hash[:])
		if err := bs.db.Put(txKey(t.Hash), val); err != nil {
			return fmt.Errorf("tx index put %s: %w", t.Hash, err)
		}
	}

	if err := bs.setTip(hash, blk.Height()); err != nil {
		return err
	}
	bs.last = blk
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlockMissing, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("block unmarshal: %w", err)
	}
	return &blk, nil
}

// GetBlockByHeight retrieves a block by its height.
func (bs *BlockStore) GetBlockByHeight(height int64) (*block.Block, error) {
	if height < 0 {
		return nil, fmt.Errorf("%w: height %d", ErrBlockMissing, height)
	}
	hashBytes, err := bs.db.Get(heightKey(height))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: height %d", ErrBlockMissing, height)
	}
	if err != nil {
		return nil, fmt.Errorf("height index get: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return nil, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(hashBytes), types.HashSize)
	}
	var hash types.Hash
	copy(hash[:], hashBytes)
	return bs.GetBlock(hash)
}

// GetTxLocation returns the block height and hash that contain the given transaction.
func (bs *BlockStore) GetTxLocation(txHash types.Hash) (int64, types.Hash, error) {
	data, err := bs.db.Get(txKey(txHash))
	if err != nil {
		return types.NoHeight, types.Hash{}, fmt.Errorf("tx index get: %w", err)
	}
	if len(data) != 8+types.HashSize {
		return types.NoHeight, types.Hash{}, fmt.Errorf("corrupt tx index: got %d bytes, want %d", len(data), 8+types.HashSize)
	}
	var blockHash types.Hash
	copy(blockHash[:], data[8:])
	return int64(binary.BigEndian.Uint64(data[:8])), blockHash, nil
}

// Close marks the store closed and closes the underlying database.
// Closing twice is a no-op.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.closed {
		return nil
	}
	bs.closed = true
	return bs.db.Close()
}

func (bs *BlockStore) setTip(hash types.Hash, height int64) error {
	if err := bs.db.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], uint64(height))
	if err := bs.db.Put(keyHeight, heightBuf[:]); err != nil {
		return fmt.Errorf("set tip height: %w", err)
	}
	return nil
}

// getTip returns the stored tip. A fresh channel reports types.NoHeight.
func (bs *BlockStore) getTip() (types.Hash, int64, error) {
	hashBytes, err := bs.db.Get(keyTipHash)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, types.NoHeight, nil
	}
	if err != nil {
		return types.Hash{}, types.NoHeight, fmt.Errorf("tip hash: %w", err)
	}
	if len(hashBytes) != types.HashSize {
		return types.Hash{}, types.NoHeight, fmt.Errorf("corrupt tip hash: got %d bytes", len(hashBytes))
	}

	heightBytes, err := bs.db.Get(keyHeight)
	if err != nil {
		return types.Hash{}, types.NoHeight, fmt.Errorf("tip height missing: %w", err)
	}
	if len(heightBytes) != 8 {
		return types.Hash{}, types.NoHeight, fmt.Errorf("corrupt tip height: got %d bytes", len(heightBytes))
	}

	var hash types.Hash
	copy(hash[:], hashBytes)
	return hash, int64(binary.BigEndian.Uint64(heightBytes)), nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height int64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], uint64(height))
	return key
}

func txKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixTx)+types.HashSize)
	copy(key, prefixTx)
	copy(key[len(prefixTx):], hash[:])
	return key
}
