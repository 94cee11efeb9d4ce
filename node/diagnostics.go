package node

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/scheduler"
)

// ChainState is an operator-facing snapshot of one chain's bookkeeping.
type ChainState struct {
	ChainID     uint64
	Name        string
	Address     common.Address
	Commitments int
	Scheduled   []scheduler.JobInfo
	DeadCount   int
	NextFireAt  time.Time
}

// Resync forces an immediate backfill sweep for one chain, outside the
// periodic schedule. Used after operator intervention (refilled balance,
// fixed storage gateway).
func (n *Node) Resync(ctx context.Context, chainID uint64) error {
	nc, ok := n.manager.Context(chainID)
	if !ok {
		return xerrors.Errorf("no active context for chain %d", chainID)
	}
	_, err := n.sync.Backfill(ctx, nc)
	return err
}

// CancelJob drops the pending resurrection timer for one sarcophagus.
// Bookkeeping only; the on-chain commitment is untouched and the next
// resync will re-schedule it unless it has been marked dead.
func (n *Node) CancelJob(chainID uint64, sarcoID common.Hash) error {
	if _, ok := n.manager.Context(chainID); !ok {
		return xerrors.Errorf("no active context for chain %d", chainID)
	}
	if !n.sched.Cancel(sarcoID) {
		return xerrors.Errorf("no scheduled job for sarcophagus %s", sarcoID)
	}
	log.Infow("job cancelled by operator", "chain", chainID, "sarco", sarcoID)
	return nil
}

// State snapshots the bookkeeping for one chain.
func (n *Node) State(chainID uint64) (ChainState, error) {
	nc, ok := n.manager.Context(chainID)
	if !ok {
		return ChainState{}, xerrors.Errorf("no active context for chain %d", chainID)
	}

	// The scheduler is shared across chains; report only the jobs whose
	// commitments live in this chain's store.
	var jobs []scheduler.JobInfo
	for _, j := range n.sched.Jobs() {
		if nc.Store.Has(j.SarcoID) {
			jobs = append(jobs, j)
		}
	}
	st := ChainState{
		ChainID:     nc.ChainID,
		Name:        nc.Name,
		Address:     nc.Address,
		Commitments: nc.Store.Len(),
		Scheduled:   jobs,
		DeadCount:   nc.Store.DeadCount(),
	}
	for _, j := range jobs {
		if st.NextFireAt.IsZero() || j.FiresAt.Before(st.NextFireAt) {
			st.NextFireAt = j.FiresAt
		}
	}
	return st, nil
}
