// Package store holds the per-chain view of the agent's obligations. The
// chain is always authoritative; this store exists so the scheduler and the
// negotiation handler don't need an RPC round-trip per decision, and it is
// rebuilt from scratch on every restart.
package store

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Commitment is one sarcophagus the agent currently believes it must
// release a key for in the future. Present in the store iff that belief
// holds.
type Commitment struct {
	ID               common.Hash
	ResurrectionTime time.Time
	DiggingFee       *big.Int
	CursedBond       *big.Int
	CreatedAt        time.Time

	// PublicKey is the uncompressed encryption key the chain recorded for
	// this sarcophagus; the matching private key is rediscovered from it at
	// release time.
	PublicKey []byte
	// StorageRef locates the encrypted key share in content storage.
	StorageRef string
}

// Store is mutated only by the synchronizer and the scheduler of its own
// chain context; the mutex serializes those two. No cross-chain access.
type Store struct {
	lk sync.Mutex

	commitments map[common.Hash]*Commitment

	// dead is append-only for the process lifetime: ids needing no further
	// action. Not authoritative, purely an RPC saver across resync sweeps.
	dead map[common.Hash]struct{}

	// inflight marks ids with a release transaction submitted but not yet
	// confirmed. An inflight id must never receive a new timer.
	inflight map[common.Hash]struct{}

	// seen counts distinct commitment ids ever observed on this chain,
	// used as the next-unused-key hint during negotiation.
	seen uint32
}

func New() *Store {
	return &Store{
		commitments: make(map[common.Hash]*Commitment),
		dead:        make(map[common.Hash]struct{}),
		inflight:    make(map[common.Hash]struct{}),
	}
}

// Put upserts a commitment. Last writer wins: whichever of the live event
// path or the periodic resync observes a state first, the other converges
// to the same record.
func (s *Store) Put(c *Commitment) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, known := s.commitments[c.ID]; !known {
		s.seen++
	}
	s.commitments[c.ID] = c
}

func (s *Store) Get(id common.Hash) (*Commitment, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	c, ok := s.commitments[id]
	return c, ok
}

func (s *Store) Has(id common.Hash) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.commitments[id]
	return ok
}

// MarkDead removes the commitment and records the id as requiring no
// further action.
func (s *Store) MarkDead(id common.Hash) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.commitments, id)
	s.dead[id] = struct{}{}
}

func (s *Store) IsDead(id common.Hash) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.dead[id]
	return ok
}

func (s *Store) InFlight(id common.Hash) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	_, ok := s.inflight[id]
	return ok
}

// BeginRelease acquires the in-flight marker for id. It returns ok=false if
// a release attempt is already running. On success the caller must invoke
// done on every exit path (defer it immediately); done is what guarantees a
// failed attempt never permanently blocks future ones.
func (s *Store) BeginRelease(id common.Hash) (done func(), ok bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if _, busy := s.inflight[id]; busy {
		return nil, false
	}
	s.inflight[id] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.lk.Lock()
			defer s.lk.Unlock()
			delete(s.inflight, id)
		})
	}, true
}

// List returns a snapshot of the live commitments.
func (s *Store) List() []*Commitment {
	s.lk.Lock()
	defer s.lk.Unlock()
	out := make([]*Commitment, 0, len(s.commitments))
	for _, c := range s.commitments {
		out = append(out, c)
	}
	return out
}

func (s *Store) Len() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.commitments)
}

func (s *Store) DeadCount() int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.dead)
}

// Seen returns the number of distinct commitment ids ever observed.
func (s *Store) Seen() uint32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.seen
}
