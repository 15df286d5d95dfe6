package channel

import (
	"context"
	"time"

	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
	"github.com/stjordanis/loopchain/pkg/block"
	"github.com/stjordanis/loopchain/pkg/types"
)

// Collaborators the coordinator consumes. The concrete implementations
// live in their own packages and are wired by internal/node.

// PeerRegistry is the channel's peer list and leader pointer.
type PeerRegistry interface {
	AddPeer(rec peer.Record) peer.Record
	GetPeer(id string) (peer.Record, bool)
	GetPeerByTarget(target string) (peer.Record, bool)
	RemovePeer(id string) bool
	SetStatus(id string, status peer.Status) error
	GetLeader(filter peer.Filter) (peer.Record, bool)
	SetLeader(id string) error
	LeaderID() string
	NextLeader(id string, filter peer.Filter) (peer.Record, bool)
	PeersForBroadcast() []peer.Record
	Peers() []peer.Record
	Count(filter peer.Filter) int
	Dump() ([]byte, error)
	Load(data []byte) error
}

// PeerListStore persists the registry dump.
type PeerListStore interface {
	SavePeerList(data []byte) error
	LoadPeerList() ([]byte, error)
}

// Timers is a keyed scheduler. Scheduling an existing key replaces it.
type Timers interface {
	Schedule(key string, d time.Duration, repeat bool, fn func())
	Cancel(key string) bool
	Reset(key string) bool
	Active(key string) bool
	Stop()
}

// Engine is the execution engine.
type Engine interface {
	Hello(ctx context.Context) error
	Invoke(ctx context.Context, req rpcclient.InvokeRequest) (*rpcclient.InvokeReply, error)
	WritePrecommitState(ctx context.Context, req rpcclient.PrecommitRequest) error
	RemovePrecommitState(ctx context.Context, req rpcclient.PrecommitRequest) error
	ChangeBlockHash(ctx context.Context, req rpcclient.ChangeBlockHashRequest) error
	Close() error
}

// Broadcaster fans messages out to the channel's audience.
type Broadcaster interface {
	Start()
	ScheduleSubscribe(target string) error
	ScheduleUnsubscribe(target string) error
	ScheduleBroadcast(method string, params interface{}) error
	Audience() []string
	Stop()
	Wait() error
}

// PeerClient is a connection to one peer node.
type PeerClient interface {
	Target() string
	Subscribe(ctx context.Context, req rpcclient.SubscribeRequest) error
	Height(ctx context.Context) (int64, error)
	BlockByHeight(ctx context.Context, height int64) (*block.Block, error)
}

// PeerDialer opens a PeerClient for a target.
type PeerDialer interface {
	Dial(target string) PeerClient
}

// RadioStation is the channel's bootstrap registry.
type RadioStation interface {
	PeerClient
	Status(ctx context.Context) (*rpcclient.StatusReply, error)
	ConnectPeer(ctx context.Context, info rpcclient.PeerInfo) (*rpcclient.ConnectPeerReply, error)
	SubscribeREST(ctx context.Context, req rpcclient.SubscribeRequest) error
	Complain(ctx context.Context, req rpcclient.ComplainRequest) (string, error)
	LastBlockHeight(ctx context.Context) (int64, error)
}

// ObserverSubscriber receives pushed blocks for non-voting nodes.
// Subscribe blocks for the life of the subscription.
type ObserverSubscriber interface {
	Subscribe(ctx context.Context, height int64, onBlock func(*block.Block) error, onEstablished func()) error
}

// BlockStore persists the channel's blocks.
type BlockStore interface {
	Height() int64
	LastBlock() *block.Block
	GetBlockByHeight(height int64) (*block.Block, error)
	PutBlock(blk *block.Block) error
	GetTxLocation(txHash types.Hash) (int64, types.Hash, error)
	Close() error
}

// Agreement produces blocks while the node leads.
type Agreement interface {
	Start()
	Stop()
	Wait()
	SetLeader(leader bool)
}

// TxPool holds transactions waiting for a block.
type TxPool interface {
	Add(tx *block.Transaction) error
	RemoveConfirmed(txs []*block.Transaction)
	Evict(now int64) int
	Count() int
	SelectForBlock(limit int) []*block.Transaction
	Remove(hashes []types.Hash)
}

// DialerFunc adapts a function to PeerDialer.
type DialerFunc func(target string) PeerClient

// Dial calls f.
func (f DialerFunc) Dial(target string) PeerClient { return f(target) }
