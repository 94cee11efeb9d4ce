// Package scheduler owns the resurrection timer bank: one timer per
// pending sarcophagus, drift-compensated against the chain clock, with a
// strict replace-not-append discipline per id.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
	"github.com/sarcophagus-org/archon/chain/reverts"
	"github.com/sarcophagus-org/archon/storage"
)

var log = logging.Logger("scheduler")

const (
	// pastDueDelay is used when the chain clock is already past the
	// resurrection time but the grace period still applies: fire as soon
	// as practical.
	pastDueDelay = 5 * time.Second

	// chainPad tolerates the chain's block timestamp needing to advance
	// past the resurrection time before publishPrivateKey is accepted.
	chainPad = 15 * time.Second
)

type job struct {
	timer *clock.Timer
	// resurrectionTime is the exact on-chain time this timer was computed
	// from; a rewrap with a different time supersedes it.
	resurrectionTime time.Time
	firesAt          time.Time
}

// JobInfo is a diagnostic snapshot of one scheduled job.
type JobInfo struct {
	SarcoID          common.Hash
	ResurrectionTime time.Time
	FiresAt          time.Time
}

type Scheduler struct {
	ctx context.Context
	clk clock.Clock

	lk   sync.Mutex
	jobs map[common.Hash]*job
}

func New(ctx context.Context) *Scheduler {
	return NewWithClock(ctx, clock.New())
}

func NewWithClock(ctx context.Context, clk clock.Clock) *Scheduler {
	return &Scheduler{
		ctx:  ctx,
		clk:  clk,
		jobs: make(map[common.Hash]*job),
	}
}

// ScheduleWithBuffer installs (or replaces) the release timer for sarcoID
// and returns the wall-clock time it will fire. A zero time means no timer
// was installed because a release is already in flight.
//
// chainTime is the latest block timestamp; the difference between it and
// the local clock is applied to the raw on-chain resurrection time so the
// timer fires relative to what the chain believes "now" is.
func (s *Scheduler) ScheduleWithBuffer(chainTime time.Time, sarcoID common.Hash, resurrectionTime time.Time, nc *chain.NetworkContext) time.Time {
	if nc.Store.InFlight(sarcoID) {
		log.Debugw("not scheduling, release in flight", "sarco", sarcoID)
		return time.Time{}
	}

	now := s.clk.Now()
	drift := now.Sub(chainTime)

	var firesAt time.Time
	if chainTime.After(resurrectionTime) {
		// Already past due, still within grace: fire as soon as practical.
		firesAt = now.Add(pastDueDelay)
	} else {
		firesAt = resurrectionTime.Add(drift).Add(chainPad)
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	// Unconditional cancel-and-replace: a rewrap changes the due time and
	// must supersede the old timer.
	if existing, ok := s.jobs[sarcoID]; ok {
		existing.timer.Stop()
	}

	delay := firesAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	s.jobs[sarcoID] = &job{
		timer:            s.clk.AfterFunc(delay, func() { s.fire(sarcoID, nc) }),
		resurrectionTime: resurrectionTime,
		firesAt:          firesAt,
	}
	log.Infow("resurrection scheduled", "sarco", sarcoID, "resurrection", resurrectionTime, "fires", firesAt, "drift", drift)
	return firesAt
}

// Cancel removes the timer for sarcoID, if any. Pure bookkeeping: it never
// touches the chain.
func (s *Scheduler) Cancel(sarcoID common.Hash) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	j, ok := s.jobs[sarcoID]
	if !ok {
		return false
	}
	j.timer.Stop()
	delete(s.jobs, sarcoID)
	log.Debugw("resurrection cancelled", "sarco", sarcoID)
	return true
}

// Jobs snapshots the live timers for diagnostics.
func (s *Scheduler) Jobs() []JobInfo {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for id, j := range s.jobs {
		out = append(out, JobInfo{SarcoID: id, ResurrectionTime: j.resurrectionTime, FiresAt: j.firesAt})
	}
	return out
}

// Job returns the diagnostic view of one timer.
func (s *Scheduler) Job(sarcoID common.Hash) (JobInfo, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	j, ok := s.jobs[sarcoID]
	if !ok {
		return JobInfo{}, false
	}
	return JobInfo{SarcoID: sarcoID, ResurrectionTime: j.resurrectionTime, FiresAt: j.firesAt}, true
}

func (s *Scheduler) fire(sarcoID common.Hash, nc *chain.NetworkContext) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("release attempt panicked for %s: %v", sarcoID, r)
		}
	}()

	s.lk.Lock()
	delete(s.jobs, sarcoID)
	s.lk.Unlock()

	done, ok := nc.Store.BeginRelease(sarcoID)
	if !ok {
		log.Debugw("release already in flight, timer dropped", "sarco", sarcoID)
		return
	}
	// Guaranteed on every exit path, panics included: a failed attempt
	// must never leave the id permanently excluded from scheduling.
	defer done()

	if err := s.release(s.ctx, sarcoID, nc); err != nil {
		log.Errorw("release attempt failed, next resync will reschedule", "sarco", sarcoID, "chain", nc.ChainID, "error", err)
	}
}

func (s *Scheduler) release(ctx context.Context, sarcoID common.Hash, nc *chain.NetworkContext) error {
	rec, ok := nc.Store.Get(sarcoID)
	if !ok {
		// Removed between scheduling and firing (buried or cleaned); the
		// obligation is gone.
		log.Debugw("commitment gone before release", "sarco", sarcoID)
		return nil
	}

	priv, err := nc.Keys.FindPrivateKey(rec.PublicKey, nc.Store.Seen())
	if err != nil {
		return xerrors.Errorf("locating private key: %w", err)
	}

	payload, err := nc.Storage.Fetch(ctx, rec.StorageRef)
	if err != nil {
		return xerrors.Errorf("fetching key share: %w", err)
	}
	if _, err := storage.DecryptShare(priv, payload); err != nil {
		return xerrors.Errorf("verifying key share custody: %w", err)
	}

	if err := nc.Contract.PublishPrivateKey(ctx, sarcoID, priv); err != nil {
		var re *reverts.RevertError
		if xerrors.As(err, &re) && re.Code == reverts.KeyAlreadyPublished {
			// Someone (or an earlier attempt) beat us to it; done is done.
			nc.Store.MarkDead(sarcoID)
			return nil
		}
		return err
	}

	nc.Store.MarkDead(sarcoID)
	log.Infow("private key published", "sarco", sarcoID, "chain", nc.ChainID)
	return nil
}
