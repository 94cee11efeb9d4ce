// Package syncer reconciles the local per-chain store with authoritative
// on-chain state: a backfill pass over the historical index plus a live
// event subscription, both funnelling into the same idempotent
// classification so whichever path observes a transition first wins.
package syncer

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
	"github.com/sarcophagus-org/archon/chain/store"
	"github.com/sarcophagus-org/archon/scheduler"
)

var log = logging.Logger("syncer")

type Syncer struct {
	sched *scheduler.Scheduler
}

func New(sched *scheduler.Scheduler) *Syncer {
	return &Syncer{sched: sched}
}

// Backfill lists every sarcophagus the historical index attributes to this
// agent, re-confirms each against the chain (the index may lag) and
// classifies it. Ids already in the dead set are skipped without any RPC.
// Returns the commitments that ended up scheduled.
func (s *Syncer) Backfill(ctx context.Context, nc *chain.NetworkContext) ([]*store.Commitment, error) {
	records, err := nc.History.SarcophagiForArchaeologist(ctx, nc.Address)
	if err != nil {
		return nil, xerrors.Errorf("querying historical index: %w", err)
	}

	grace, err := nc.Contract.GetGracePeriod(ctx)
	if err != nil {
		return nil, xerrors.Errorf("reading grace period: %w", err)
	}
	chainTime, err := nc.Reader.ChainTime(ctx)
	if err != nil {
		return nil, xerrors.Errorf("reading chain time: %w", err)
	}

	var scheduled []*store.Commitment
	for _, rec := range records {
		if nc.Store.IsDead(rec.ID) {
			continue
		}
		c, err := s.reconcile(ctx, nc, rec.ID, chainTime, grace)
		if err != nil {
			// One bad sarcophagus must not abort the sweep.
			log.Warnw("skipping sarcophagus during backfill", "sarco", rec.ID, "chain", nc.ChainID, "error", err)
			continue
		}
		if c != nil {
			scheduled = append(scheduled, c)
		}
	}
	log.Infow("backfill complete", "chain", nc.ChainID, "indexed", len(records), "scheduled", len(scheduled))
	return scheduled, nil
}

// reconcile classifies one sarcophagus from fresh chain state. The grace
// boundary counts as still-active: the agent only gives up once chain time
// is strictly past resurrection+grace.
func (s *Syncer) reconcile(ctx context.Context, nc *chain.NetworkContext, id common.Hash, chainTime time.Time, grace time.Duration) (*store.Commitment, error) {
	view, err := nc.Contract.GetSarcophagus(ctx, id)
	if err != nil {
		return nil, err
	}

	switch {
	case view.Inactive():
		// Released, compromised, cleaned or buried: nothing left to do.
		s.sched.Cancel(id)
		nc.Store.MarkDead(id)
		return nil, nil
	case chainTime.After(view.ResurrectionTime.Add(grace)):
		// Too late to safely act; publishing now would be penalized anyway.
		log.Warnw("sarcophagus past grace period, giving up", "sarco", id, "chain", nc.ChainID)
		s.sched.Cancel(id)
		nc.Store.MarkDead(id)
		return nil, nil
	default:
		c := &store.Commitment{
			ID:               id,
			ResurrectionTime: view.ResurrectionTime,
			DiggingFee:       view.DiggingFee,
			CursedBond:       view.CursedBond,
			CreatedAt:        view.CreatedAt,
			PublicKey:        view.PublicKey,
			StorageRef:       view.StorageRef,
		}
		nc.Store.Put(c)
		s.sched.ScheduleWithBuffer(chainTime, id, view.ResurrectionTime, nc)
		return c, nil
	}
}

// Subscribe registers the live event handlers for this context. The loop
// runs until the context is torn down; a subscription error is reported to
// the context manager, which rebuilds the whole chain context.
func (s *Syncer) Subscribe(nc *chain.NetworkContext) error {
	ctx := nc.Lifetime()
	sink := make(chan chain.Event, 32)
	sub, err := nc.Contract.SubscribeEvents(ctx, sink)
	if err != nil {
		return xerrors.Errorf("subscribing to events on chain %d: %w", nc.ChainID, err)
	}

	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					nc.Fail(xerrors.Errorf("event subscription broken: %w", err))
				}
				return
			case ev := <-sink:
				s.handle(ctx, nc, ev)
			}
		}
	}()
	log.Infow("live event subscription established", "chain", nc.ChainID)
	return nil
}

// handle dispatches one event. Nothing may escape past this boundary: a
// single bad event is logged and dropped, the loop keeps serving.
func (s *Syncer) handle(ctx context.Context, nc *chain.NetworkContext, ev chain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event handler panicked on %s event for %s: %v", ev.Kind, ev.SarcoID, r)
		}
	}()

	switch ev.Kind {
	case chain.EventCreate:
		s.handleCreate(ctx, nc, ev)
	case chain.EventRewrap:
		s.handleRewrap(ctx, nc, ev)
	case chain.EventBury, chain.EventClean:
		s.handleRetire(nc, ev)
	case chain.EventAccuse:
		s.handleAccuse(nc, ev)
	default:
		log.Warnw("ignoring event of unknown kind", "kind", ev.Kind, "sarco", ev.SarcoID)
	}
}

func (s *Syncer) handleCreate(ctx context.Context, nc *chain.NetworkContext, ev chain.Event) {
	cursed := false
	for _, a := range ev.Archaeologists {
		if a == nc.Address {
			cursed = true
			break
		}
	}
	if !cursed || nc.Store.IsDead(ev.SarcoID) {
		return
	}

	chainTime, err := nc.Reader.ChainTime(ctx)
	if err != nil {
		// The periodic resync will pick this sarcophagus up.
		log.Warnw("cannot read chain time for create event", "sarco", ev.SarcoID, "error", err)
		return
	}

	nc.Store.Put(&store.Commitment{
		ID:               ev.SarcoID,
		ResurrectionTime: ev.ResurrectionTime,
		DiggingFee:       ev.DiggingFee,
		CursedBond:       ev.CursedBond,
		CreatedAt:        chainTime,
		PublicKey:        ev.PublicKey,
		StorageRef:       ev.StorageRef,
	})
	s.sched.ScheduleWithBuffer(chainTime, ev.SarcoID, ev.ResurrectionTime, nc)
	log.Infow("new sarcophagus accepted", "sarco", ev.SarcoID, "chain", nc.ChainID, "resurrection", ev.ResurrectionTime)
}

func (s *Syncer) handleRewrap(ctx context.Context, nc *chain.NetworkContext, ev chain.Event) {
	// Membership check keeps the handler idempotent against replay and
	// against ordering races with backfill.
	rec, ok := nc.Store.Get(ev.SarcoID)
	if !ok {
		return
	}
	if nc.Store.InFlight(ev.SarcoID) {
		// Racing a submitted release with a new timer risks a double
		// submission; the rewrap is dropped here and, if the release
		// fails, picked up by the next resync.
		log.Debugw("dropping rewrap for in-flight sarcophagus", "sarco", ev.SarcoID)
		return
	}

	chainTime, err := nc.Reader.ChainTime(ctx)
	if err != nil {
		log.Warnw("cannot read chain time for rewrap event", "sarco", ev.SarcoID, "error", err)
		return
	}

	updated := *rec
	updated.ResurrectionTime = ev.ResurrectionTime
	nc.Store.Put(&updated)
	s.sched.ScheduleWithBuffer(chainTime, ev.SarcoID, ev.ResurrectionTime, nc)
	log.Infow("sarcophagus rewrapped", "sarco", ev.SarcoID, "resurrection", ev.ResurrectionTime)
}

func (s *Syncer) handleRetire(nc *chain.NetworkContext, ev chain.Event) {
	if !nc.Store.Has(ev.SarcoID) && nc.Store.IsDead(ev.SarcoID) {
		return
	}
	s.sched.Cancel(ev.SarcoID)
	nc.Store.MarkDead(ev.SarcoID)
	log.Infow("sarcophagus retired", "sarco", ev.SarcoID, "event", ev.Kind.String())
}

func (s *Syncer) handleAccuse(nc *chain.NetworkContext, ev chain.Event) {
	if !ev.Compromised {
		// An accusation without enough proof changes nothing for us.
		return
	}
	s.sched.Cancel(ev.SarcoID)
	nc.Store.MarkDead(ev.SarcoID)
	log.Warnw("sarcophagus compromised by accusal", "sarco", ev.SarcoID, "accused", ev.Accused)
}
