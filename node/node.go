// Package node assembles the running agent: the libp2p host, the chain
// context manager, and per-chain sync, scheduling and negotiation wiring.
package node

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"go.uber.org/multierr"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
	"github.com/sarcophagus-org/archon/chain/syncer"
	"github.com/sarcophagus-org/archon/negotiation"
	"github.com/sarcophagus-org/archon/node/config"
	"github.com/sarcophagus-org/archon/scheduler"
)

var log = logging.Logger("node")

// Node is the fully wired agent process. One per binary invocation.
type Node struct {
	cfg     *config.Config
	host    host.Host
	manager *chain.Manager
	sched   *scheduler.Scheduler
	sync    *syncer.Syncer

	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the node but starts nothing chain-facing yet; Run does.
func New(ctx context.Context, cfg *config.Config) (*Node, error) {
	h, err := libp2p.New(
		libp2p.ListenAddrStrings(cfg.Libp2p.ListenAddresses...),
	)
	if err != nil {
		return nil, xerrors.Errorf("constructing libp2p host: %w", err)
	}

	nctx, cancel := context.WithCancel(ctx)
	sched := scheduler.New(nctx)
	n := &Node{
		cfg:     cfg,
		host:    h,
		sched:   sched,
		sync:    syncer.New(sched),
		manager: chain.NewManager(cfg),
		ctx:     nctx,
		cancel:  cancel,
	}
	n.manager.OnReady = n.startChain
	return n, nil
}

// Run brings up every requested chain and blocks until the parent context
// is cancelled. Startup is fail-fast: a chain that cannot be built aborts
// the whole process rather than limping along partially connected.
func (n *Node) Run(ctx context.Context, chainIDs []uint64) error {
	log.Infow("starting archaeologist node", "peer", n.host.ID(), "chains", chainIDs)

	contexts, err := n.manager.Initialize(n.ctx, chainIDs)
	if err != nil {
		return err
	}
	for _, nc := range contexts {
		n.startChain(n.ctx, nc)
	}

	<-ctx.Done()
	return nil
}

// startChain wires one freshly built network context: profile, backfill,
// live events, negotiation handler and the periodic resync sweep. Invoked
// at startup and again after every context rebuild.
func (n *Node) startChain(ctx context.Context, nc *chain.NetworkContext) {
	if err := nc.RefreshProfile(ctx); err != nil {
		log.Warnw("could not read own profile", "chain", nc.ChainID, "error", err)
	} else if !nc.Profile().Exists {
		log.Warnw("no archaeologist profile registered; negotiations will be rejected until one is", "chain", nc.ChainID, "address", nc.Address)
	}

	if _, err := n.sync.Backfill(ctx, nc); err != nil {
		// A lagging index is not fatal; live events and the resync sweep
		// still cover us.
		log.Warnw("initial backfill failed", "chain", nc.ChainID, "error", err)
	}
	if err := n.sync.Subscribe(nc); err != nil {
		nc.Fail(err)
		return
	}

	handler := negotiation.NewHandler(nc, n.cfg.Negotiation.MaxMessageSize, time.Duration(n.cfg.Negotiation.TimestampSkew))
	n.host.SetStreamHandler(negotiation.ProtocolID(nc.ChainID), handler.HandleStream)

	go n.resyncLoop(nc)
}

// resyncLoop periodically re-runs the backfill so anything missed by the
// event path (dropped ws frames, failed releases) is picked back up. Runs
// under the context lifetime so a rebuild reaps it.
func (n *Node) resyncLoop(nc *chain.NetworkContext) {
	ctx := nc.Lifetime()
	interval := time.Duration(n.cfg.Sync.ResyncInterval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := n.sync.Backfill(ctx, nc); err != nil {
				log.Warnw("periodic resync failed", "chain", nc.ChainID, "error", err)
			}
		}
	}
}

// Host exposes the libp2p identity, mainly for logging and diagnostics.
func (n *Node) Host() host.Host { return n.host }

// Close shuts the node down: timers, subscriptions, chain connections and
// the p2p host.
func (n *Node) Close() error {
	n.cancel()
	var err error
	err = multierr.Append(err, n.host.Close())
	return err
}
