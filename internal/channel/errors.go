package channel

import (
	"errors"
	"fmt"

	"github.com/stjordanis/loopchain/internal/peer"
)

// Channel errors.
var (
	// Leader reassignment carried a height that is neither 0 nor the next block.
	ErrInvalidHeight = errors.New("invalid block height for leader change")
	// Leader reassignment named a peer the registry does not know.
	ErrUnknownPeer = peer.ErrUnknownPeer

	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrSigningKeyMissing   = errors.New("signing key missing")
	ErrStoreUnavailable    = errors.New("block store unavailable")
	ErrStopped             = errors.New("channel stopped")
	ErrCommitStateMismatch = errors.New("commit state mismatch")
	ErrTxConfirmed         = errors.New("transaction already confirmed")
)

// CommitError is a failed execution-engine call. It is fatal for the
// block being committed: the caller drops the block and its precommit
// state.
type CommitError struct {
	Method string
	Height int64
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s at height %d: %v", e.Method, e.Height, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }
