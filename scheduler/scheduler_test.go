package scheduler

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
	"github.com/sarcophagus-org/archon/chain/store"
	"github.com/sarcophagus-org/archon/keyfinder"
	"github.com/sarcophagus-org/archon/storage"
)

const testMnemonic = "test test test test test test test test test test test junk"

type fakeContract struct {
	lk        sync.Mutex
	published map[common.Hash]*ecdsa.PrivateKey
	fail      error
}

func (f *fakeContract) PublishPrivateKey(ctx context.Context, id common.Hash, key *ecdsa.PrivateKey) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if f.published == nil {
		f.published = make(map[common.Hash]*ecdsa.PrivateKey)
	}
	f.published[id] = key
	return nil
}

func (f *fakeContract) publishedKey(id common.Hash) (*ecdsa.PrivateKey, bool) {
	f.lk.Lock()
	defer f.lk.Unlock()
	k, ok := f.published[id]
	return k, ok
}

func (f *fakeContract) GetProfile(context.Context, common.Address) (chain.Profile, error) {
	return chain.Profile{}, nil
}
func (f *fakeContract) RegisterProfile(context.Context, chain.Profile) error { return nil }
func (f *fakeContract) UpdateProfile(context.Context, chain.Profile) error   { return nil }
func (f *fakeContract) DepositFreeBond(context.Context, *big.Int) error      { return nil }
func (f *fakeContract) WithdrawFreeBond(context.Context, *big.Int) error     { return nil }
func (f *fakeContract) WithdrawReward(context.Context) error                 { return nil }
func (f *fakeContract) GetSarcophagus(context.Context, common.Hash) (chain.SarcophagusView, error) {
	return chain.SarcophagusView{}, nil
}
func (f *fakeContract) GetGracePeriod(context.Context) (time.Duration, error) {
	return 10 * time.Minute, nil
}
func (f *fakeContract) SubscribeEvents(context.Context, chan<- chain.Event) (chain.Subscription, error) {
	return nil, xerrors.New("not implemented")
}

type fakeStorage struct {
	payloads map[string][]byte
}

func (f *fakeStorage) Fetch(ctx context.Context, ref string) ([]byte, error) {
	p, ok := f.payloads[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func testContext(t *testing.T, contract chain.Contract, fetcher storage.Fetcher) *chain.NetworkContext {
	t.Helper()
	keys, err := keyfinder.New(testMnemonic)
	require.NoError(t, err)
	return &chain.NetworkContext{
		ChainID:  1,
		Name:     "testnet",
		Contract: contract,
		Storage:  fetcher,
		Keys:     keys,
		Store:    store.New(),
	}
}

func addCommitment(t *testing.T, nc *chain.NetworkContext, fs *fakeStorage, id common.Hash, res time.Time) {
	t.Helper()
	priv, err := nc.Keys.DeriveAtIndex(0)
	require.NoError(t, err)
	share, err := storage.EncryptShare(&priv.PublicKey, []byte("key share"))
	require.NoError(t, err)
	ref := "share-" + id.Hex()
	if fs.payloads == nil {
		fs.payloads = make(map[string][]byte)
	}
	fs.payloads[ref] = share
	pub, err := nc.Keys.PublicKeyAtIndex(0)
	require.NoError(t, err)
	nc.Store.Put(&store.Commitment{
		ID:               id,
		ResurrectionTime: res,
		DiggingFee:       big.NewInt(1),
		CursedBond:       big.NewInt(10),
		PublicKey:        pub,
		StorageRef:       ref,
	})
}

func TestSchedulePastDueFiresSoon(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	nc := testContext(t, &fakeContract{}, &fakeStorage{})

	// Chain clock far ahead of local (large drift) and already past due:
	// the computed schedule is now+5s regardless of drift.
	chainTime := clk.Now().Add(3 * time.Hour)
	res := chainTime.Add(-100 * time.Second)

	firesAt := s.ScheduleWithBuffer(chainTime, common.Hash{1}, res, nc)
	require.Equal(t, clk.Now().Add(pastDueDelay), firesAt)
}

func TestScheduleFutureCompensatesDrift(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	nc := testContext(t, &fakeContract{}, &fakeStorage{})

	drift := -42 * time.Second // local clock behind the chain
	chainTime := clk.Now().Add(-drift)
	res := chainTime.Add(1000 * time.Second)

	firesAt := s.ScheduleWithBuffer(chainTime, common.Hash{1}, res, nc)
	require.Equal(t, res.Add(drift).Add(chainPad), firesAt)
}

func TestScheduleReplacesExistingTimer(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	nc := testContext(t, &fakeContract{}, &fakeStorage{})

	id := common.Hash{1}
	chainTime := clk.Now()

	s.ScheduleWithBuffer(chainTime, id, chainTime.Add(time.Hour), nc)
	s.ScheduleWithBuffer(chainTime, id, chainTime.Add(2*time.Hour), nc)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, chainTime.Add(2*time.Hour), jobs[0].ResurrectionTime)
}

func TestScheduleIdempotentSameInputs(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	nc := testContext(t, &fakeContract{}, &fakeStorage{})

	id := common.Hash{1}
	chainTime := clk.Now()
	res := chainTime.Add(time.Hour)

	first := s.ScheduleWithBuffer(chainTime, id, res, nc)
	second := s.ScheduleWithBuffer(chainTime, id, res, nc)
	require.Equal(t, first, second)
	require.Len(t, s.Jobs(), 1)
}

func TestScheduleSkipsInFlight(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	nc := testContext(t, &fakeContract{}, &fakeStorage{})

	id := common.Hash{1}
	done, ok := nc.Store.BeginRelease(id)
	require.True(t, ok)
	defer done()

	firesAt := s.ScheduleWithBuffer(clk.Now(), id, clk.Now().Add(time.Hour), nc)
	require.True(t, firesAt.IsZero())
	require.Empty(t, s.Jobs())
}

func TestCancelIsPureBookkeeping(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	contract := &fakeContract{}
	nc := testContext(t, contract, &fakeStorage{})

	id := common.Hash{1}
	s.ScheduleWithBuffer(clk.Now(), id, clk.Now().Add(time.Minute), nc)
	require.True(t, s.Cancel(id))
	require.False(t, s.Cancel(id))
	require.Empty(t, s.Jobs())

	// Advancing past the old fire time must not trigger a release.
	clk.Add(time.Hour)
	time.Sleep(50 * time.Millisecond)
	_, published := contract.publishedKey(id)
	require.False(t, published)
}

func TestFirePublishesAndMarksDead(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	contract := &fakeContract{}
	fs := &fakeStorage{}
	nc := testContext(t, contract, fs)

	id := common.Hash{7}
	chainTime := clk.Now()
	res := chainTime.Add(time.Hour)
	addCommitment(t, nc, fs, id, res)

	s.ScheduleWithBuffer(chainTime, id, res, nc)
	clk.Add(time.Hour + chainPad + time.Second)

	require.Eventually(t, func() bool {
		_, ok := contract.publishedKey(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return nc.Store.IsDead(id) && !nc.Store.InFlight(id)
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, s.Jobs())

	key, _ := contract.publishedKey(id)
	expected, err := nc.Keys.DeriveAtIndex(0)
	require.NoError(t, err)
	require.Equal(t, expected.D, key.D)
}

func TestFireFailureClearsInFlight(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	contract := &fakeContract{fail: xerrors.New("rpc down")}
	fs := &fakeStorage{}
	nc := testContext(t, contract, fs)

	id := common.Hash{8}
	chainTime := clk.Now()
	res := chainTime.Add(time.Minute)
	addCommitment(t, nc, fs, id, res)

	s.ScheduleWithBuffer(chainTime, id, res, nc)
	clk.Add(time.Minute + chainPad + time.Second)

	// The attempt fails, but the in-flight marker must be released so the
	// next resync can reschedule.
	require.Eventually(t, func() bool {
		return !nc.Store.InFlight(id)
	}, 5*time.Second, 10*time.Millisecond)
	require.True(t, nc.Store.Has(id))
	require.False(t, nc.Store.IsDead(id))
}

func TestRewrapWhileScheduledEndToEnd(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	contract := &fakeContract{}
	fs := &fakeStorage{}
	nc := testContext(t, contract, fs)

	id := common.Hash{9}
	chainTime := clk.Now()
	res := chainTime.Add(3600 * time.Second)
	addCommitment(t, nc, fs, id, res)

	s.ScheduleWithBuffer(chainTime, id, res, nc)

	// Rewrap arrives before the first timer fires.
	newRes := chainTime.Add(7200 * time.Second)
	s.ScheduleWithBuffer(chainTime, id, newRes, nc)

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.Equal(t, newRes, jobs[0].ResurrectionTime)

	// The original fire time passes without a release.
	clk.Add(3600*time.Second + chainPad + time.Second)
	time.Sleep(50 * time.Millisecond)
	_, published := contract.publishedKey(id)
	require.False(t, published)

	// The rewrapped time fires.
	clk.Add(3600 * time.Second)
	require.Eventually(t, func() bool {
		_, ok := contract.publishedKey(id)
		return ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAtMostOneTimerAndOneInFlightUnderInterleaving(t *testing.T) {
	clk := clock.NewMock()
	s := NewWithClock(context.Background(), clk)
	contract := &fakeContract{}
	fs := &fakeStorage{}
	nc := testContext(t, contract, fs)

	id := common.Hash{5}
	chainTime := clk.Now()
	addCommitment(t, nc, fs, id, chainTime.Add(time.Hour))

	// Randomized interleaving of schedules and cancels from several
	// goroutines; the replace-not-append discipline must hold throughout.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 200; i++ {
				switch rng.Intn(3) {
				case 0:
					res := chainTime.Add(time.Duration(rng.Intn(7200)) * time.Second)
					s.ScheduleWithBuffer(chainTime, id, res, nc)
				case 1:
					s.Cancel(id)
				case 2:
					if done, ok := nc.Store.BeginRelease(id); ok {
						require.False(t, nc.Store.InFlight(id) && len(s.Jobs()) > 1)
						done()
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()

	require.LessOrEqual(t, len(s.Jobs()), 1)
	require.False(t, nc.Store.InFlight(id))
}
