package channel

import (
	"context"
	"fmt"

	"github.com/stjordanis/loopchain/config"
	"github.com/stjordanis/loopchain/internal/broadcast"
	"github.com/stjordanis/loopchain/internal/peer"
	"github.com/stjordanis/loopchain/internal/rpcclient"
)

// Election picks the channel leader and resolves complaints against it.
// Methods run on the channel loop.
type Election interface {
	Mode() config.ElectionMode
	// Leader returns the leader to start with, or "" if none is known.
	Leader(ctx context.Context) (string, error)
	// Complain reports complained as failed. It returns the new leader,
	// or "" while the complaint is pending.
	Complain(ctx context.Context, complained string) (string, error)
}

func newElection(c *Coordinator) Election {
	if c.set.ElectionMode == config.ElectionAgreement {
		return &agreementElection{c: c}
	}
	return &registryElection{c: c}
}

// leaderByOrder returns the recorded leader or the lowest-ordered
// connected voter.
func leaderByOrder(r PeerRegistry) string {
	rec, ok := r.GetLeader(peer.Eligible)
	if !ok {
		return ""
	}
	return rec.PeerID
}

// registryElection defers to the radio station.
type registryElection struct {
	c *Coordinator
}

func (e *registryElection) Mode() config.ElectionMode { return config.ElectionRegistry }

func (e *registryElection) Leader(ctx context.Context) (string, error) {
	c := e.c
	if c.registry.LeaderID() != "" || c.rs == nil || c.ctx.IsRadioStation() {
		return leaderByOrder(c.registry), nil
	}
	st, err := c.rs.Status(ctx)
	if err != nil {
		c.log().Warn().Err(err).Msg("Radio station status unavailable, using peer order")
		return leaderByOrder(c.registry), nil
	}
	if _, ok := c.registry.GetPeer(st.LeaderID); ok {
		return st.LeaderID, nil
	}
	return leaderByOrder(c.registry), nil
}

func (e *registryElection) Complain(ctx context.Context, complained string) (string, error) {
	c := e.c
	if c.ctx.IsRadioStation() {
		return c.arbitrate(complained), nil
	}
	if c.rs == nil {
		return "", fmt.Errorf("complain against %s: no radio station configured", complained)
	}
	next, _ := c.registry.NextLeader(complained, peer.Eligible)
	return c.rs.Complain(ctx, rpcclient.ComplainRequest{
		Channel:         c.ctx.Channel,
		ComplainedID:    complained,
		NewLeaderID:     next.PeerID,
		BlockHeight:     c.epoch.Height,
		PeerID:          c.ctx.PeerID,
		GroupID:         c.ctx.GroupID,
		AnnounceNewPeer: true,
	})
}

// agreementElection lets voters agree on the next leader.
type agreementElection struct {
	c *Coordinator
}

func (e *agreementElection) Mode() config.ElectionMode { return config.ElectionAgreement }

func (e *agreementElection) Leader(context.Context) (string, error) {
	return leaderByOrder(e.c.registry), nil
}

func (e *agreementElection) Complain(_ context.Context, complained string) (string, error) {
	c := e.c
	next, ok := c.registry.NextLeader(complained, peer.Eligible)
	if !ok {
		return "", fmt.Errorf("complain against %s: no other voter", complained)
	}
	req := rpcclient.ComplainRequest{
		Channel:      c.ctx.Channel,
		ComplainedID: complained,
		NewLeaderID:  next.PeerID,
		BlockHeight:  c.epoch.Height,
		PeerID:       c.ctx.PeerID,
		GroupID:      c.ctx.GroupID,
	}
	repeat := c.epoch.HasComplained(c.ctx.PeerID)
	c.epoch.AddComplain(req.ComplainedID, req.NewLeaderID, req.BlockHeight, req.PeerID, req.GroupID)
	c.log().Debug().
		Str("complained", complained).
		Str("new_leader", next.PeerID).
		Bool("repeat", repeat).
		Msg("Complaint broadcast")
	if err := c.bcast.ScheduleBroadcast(broadcast.MethodComplainLeader, req); err != nil {
		return "", err
	}
	return c.epoch.ComplainResult(), nil
}
