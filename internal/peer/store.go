package peer

import (
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/internal/storage"
)

// PeerListKey is the key the peer list is stored under in a channel's database.
var PeerListKey = []byte("peer_list")

// Store persists a registry dump in a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a Store backed by the given (channel-scoped) DB.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// SavePeerList writes a peer list dump.
func (s *Store) SavePeerList(data []byte) error {
	if err := s.db.Put(PeerListKey, data); err != nil {
		return fmt.Errorf("save peer list: %w", err)
	}
	return nil
}

// LoadPeerList returns the stored dump, or nil when none was saved.
func (s *Store) LoadPeerList() ([]byte, error) {
	data, err := s.db.Get(PeerListKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load peer list: %w", err)
	}
	return data, nil
}
