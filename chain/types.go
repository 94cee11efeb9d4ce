// Package chain owns the per-chain network contexts: the long-lived RPC
// connection, the contract handles, the signing identity and the derived
// key finder for one configured chain id. Other components reference a
// NetworkContext but never own it; on unrecoverable connection loss the
// manager tears the whole context down and rebuilds it from scratch.
package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sarcophagus-org/archon/subgraph"
)

// Profile is the agent's own published terms, read from the chain at
// startup and after every self-update. It gates negotiation.
type Profile struct {
	Exists                  bool
	MinimumDiggingFee       *big.Int
	MaximumRewrapInterval   time.Duration
	MaximumResurrectionTime time.Time
	FreeBond                *big.Int
	CursedBond              *big.Int
	PeerID                  string
}

// SarcophagusView is the current on-chain state of one sarcophagus.
type SarcophagusView struct {
	ID               common.Hash
	ResurrectionTime time.Time
	Buried           bool
	IsCompromised    bool
	IsCleaned        bool
	KeyPublished     bool
	DiggingFee       *big.Int
	CursedBond       *big.Int
	CreatedAt        time.Time
	PublicKey        []byte
	StorageRef       string
}

// Inactive reports whether no further action can ever be required.
func (v *SarcophagusView) Inactive() bool {
	return v.Buried || v.IsCompromised || v.IsCleaned || v.KeyPublished
}

type EventKind uint8

const (
	EventCreate EventKind = iota + 1
	EventRewrap
	EventBury
	EventClean
	EventAccuse
)

func (k EventKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventRewrap:
		return "rewrap"
	case EventBury:
		return "bury"
	case EventClean:
		return "clean"
	case EventAccuse:
		return "accuse"
	}
	return "unknown"
}

// Event is one contract event, already decoded. Fields beyond SarcoID are
// populated per kind.
type Event struct {
	Kind    EventKind
	SarcoID common.Hash

	// create / rewrap
	ResurrectionTime time.Time

	// create
	DiggingFee     *big.Int
	CursedBond     *big.Int
	StorageRef     string
	PublicKey      []byte
	Archaeologists []common.Address

	// accuse
	Accused     common.Address
	Compromised bool
}

// Subscription mirrors the go-ethereum event subscription surface so fakes
// can stand in for a live ws subscription in tests.
type Subscription interface {
	Err() <-chan error
	Unsubscribe()
}

// Contract is the remote procedural interface of the deployed escrow
// logic. Implemented against the real chain by contractBinding; tests
// substitute fakes.
type Contract interface {
	GetProfile(ctx context.Context, archaeologist common.Address) (Profile, error)
	RegisterProfile(ctx context.Context, p Profile) error
	UpdateProfile(ctx context.Context, p Profile) error
	DepositFreeBond(ctx context.Context, amount *big.Int) error
	WithdrawFreeBond(ctx context.Context, amount *big.Int) error
	WithdrawReward(ctx context.Context) error
	PublishPrivateKey(ctx context.Context, sarcoID common.Hash, key *ecdsa.PrivateKey) error
	GetSarcophagus(ctx context.Context, sarcoID common.Hash) (SarcophagusView, error)
	GetGracePeriod(ctx context.Context) (time.Duration, error)
	SubscribeEvents(ctx context.Context, sink chan<- Event) (Subscription, error)
}

// Reader is the non-contract chain surface the agent needs.
type Reader interface {
	// ChainTime returns the latest block timestamp. The scheduler trusts
	// this over the local wall clock.
	ChainTime(ctx context.Context) (time.Time, error)
	BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error)
}

// History is the best-effort historical-data source (may lag the chain).
type History interface {
	SarcophagiForArchaeologist(ctx context.Context, archaeologist common.Address) ([]subgraph.Record, error)
}
