// Package storage provides key-value database abstractions shared by
// every channel of a node.
package storage

import "errors"

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("key not found")

// DB is the interface for key-value storage.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Has(key []byte) (bool, error)
	// ForEach iterates over all keys with the given prefix.
	// The callback receives a copy of the key and value.
	// Return a non-nil error from fn to stop iteration early.
	ForEach(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// ChannelPrefix returns the key namespace used by a channel.
func ChannelPrefix(channel string) []byte {
	return []byte("ch/" + channel + "/")
}

// ForChannel returns a view of inner scoped to one channel.
func ForChannel(inner DB, channel string) *PrefixDB {
	return NewPrefixDB(inner, ChannelPrefix(channel))
}
