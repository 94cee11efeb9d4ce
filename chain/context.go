package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain/reverts"
	"github.com/sarcophagus-org/archon/chain/store"
	"github.com/sarcophagus-org/archon/keyfinder"
	"github.com/sarcophagus-org/archon/lib/retry"
	"github.com/sarcophagus-org/archon/node/config"
	"github.com/sarcophagus-org/archon/storage"
	"github.com/sarcophagus-org/archon/subgraph"
)

var log = logging.Logger("chain")

// rebuildDelay spaces consecutive rebuild attempts for a downed chain.
const rebuildDelay = 10 * time.Second

// NetworkContext bundles everything bound to one chain id. Created at
// startup, destroyed and rebuilt wholesale on unrecoverable connection
// loss. The Store survives rebuilds (the dead set is per process).
type NetworkContext struct {
	ChainID uint64
	Name    string
	Address common.Address

	Contract Contract
	Reader   Reader
	History  History
	Storage  storage.Fetcher
	Keys     *keyfinder.KeyFinder
	Store    *store.Store

	// WalletKey signs negotiation acceptances; transactions are signed by
	// the contract binding's transactor built from the same key.
	WalletKey *ecdsa.PrivateKey

	// failed receives exactly one connection-level error; the manager
	// reacts by tearing this context down and rebuilding it.
	failed chan error

	profileLk sync.Mutex
	profile   Profile

	client *ethclient.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// Lifetime is cancelled when this context is torn down. Subscriptions and
// loops tied to this context must run under it so a rebuild reaps them.
func (nc *NetworkContext) Lifetime() context.Context { return nc.ctx }

// Attach binds the context to a parent lifetime and arms its failure
// channel. The manager calls this while building; tests assembling a
// context from fakes call it themselves.
func (nc *NetworkContext) Attach(ctx context.Context) {
	nc.ctx, nc.cancel = context.WithCancel(ctx)
	nc.failed = make(chan error, 1)
}

// Failures delivers the first connection-level error reported via Fail.
func (nc *NetworkContext) Failures() <-chan error { return nc.failed }

// Profile returns the cached on-chain profile for this agent.
func (nc *NetworkContext) Profile() Profile {
	nc.profileLk.Lock()
	defer nc.profileLk.Unlock()
	return nc.profile
}

// RefreshProfile re-reads the agent's published terms from the chain. Run
// at startup and after every self-update.
func (nc *NetworkContext) RefreshProfile(ctx context.Context) error {
	p, err := nc.Contract.GetProfile(ctx, nc.Address)
	if err != nil {
		return err
	}
	nc.profileLk.Lock()
	nc.profile = p
	nc.profileLk.Unlock()
	return nil
}

// Fail reports an unrecoverable connection-level error for this context.
// Safe to call from any component; only the first report wins.
func (nc *NetworkContext) Fail(err error) {
	select {
	case nc.failed <- err:
	default:
	}
}

// ethReader adapts ethclient to the Reader surface with retry.
type ethReader struct {
	client   *ethclient.Client
	attempts int
	delay    time.Duration
}

func (r *ethReader) ChainTime(ctx context.Context) (time.Time, error) {
	header, err := retry.Do(ctx, r.attempts, r.delay, func(ctx context.Context) (*types.Header, error) {
		return r.client.HeaderByNumber(ctx, nil)
	})
	if err != nil {
		return time.Time{}, xerrors.Errorf("reading latest header: %w", err)
	}
	return time.Unix(int64(header.Time), 0), nil
}

func (r *ethReader) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return retry.Do(ctx, r.attempts, r.delay, func(ctx context.Context) (*big.Int, error) {
		return r.client.BalanceAt(ctx, addr, nil)
	})
}

// Manager owns the set of network contexts, one per configured chain id.
// Each chain is isolated: a rebuild of one never touches the others.
type Manager struct {
	cfg *config.Config

	// OnReady is invoked for every freshly built context, both at startup
	// and after a rebuild; the node hooks backfill + subscriptions here.
	OnReady func(ctx context.Context, nc *NetworkContext)

	lk       sync.Mutex
	contexts map[uint64]*NetworkContext
	stores   map[uint64]*store.Store
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		cfg:      cfg,
		contexts: make(map[uint64]*NetworkContext),
		stores:   make(map[uint64]*store.Store),
	}
}

// Initialize builds one context per requested chain id, failing fast on
// missing configuration or a dead endpoint, and starts the per-chain
// supervision loop that handles teardown and rebuild.
func (m *Manager) Initialize(ctx context.Context, chainIDs []uint64) ([]*NetworkContext, error) {
	out := make([]*NetworkContext, 0, len(chainIDs))
	for _, id := range chainIDs {
		cc, ok := m.cfg.ChainByID(id)
		if !ok {
			return nil, xerrors.Errorf("chain %d: not present in configuration: %w", id, config.ErrMissingSetting)
		}
		nc, err := m.build(ctx, cc)
		if err != nil {
			return nil, err
		}
		m.lk.Lock()
		m.contexts[id] = nc
		m.lk.Unlock()
		go m.supervise(ctx, cc, nc)
		out = append(out, nc)
	}
	return out, nil
}

// Context returns the live context for a chain id.
func (m *Manager) Context(chainID uint64) (*NetworkContext, bool) {
	m.lk.Lock()
	defer m.lk.Unlock()
	nc, ok := m.contexts[chainID]
	return nc, ok
}

// Contexts snapshots all live contexts.
func (m *Manager) Contexts() []*NetworkContext {
	m.lk.Lock()
	defer m.lk.Unlock()
	out := make([]*NetworkContext, 0, len(m.contexts))
	for _, nc := range m.contexts {
		out = append(out, nc)
	}
	return out
}

func (m *Manager) build(ctx context.Context, cc *config.Chain) (*NetworkContext, error) {
	mnemonic, err := cc.ValidateChain()
	if err != nil {
		return nil, err
	}

	walletKey, err := keyfinder.WalletKey(mnemonic)
	if err != nil {
		return nil, xerrors.Errorf("chain %d: deriving wallet key: %w", cc.ChainID, err)
	}
	keys, err := keyfinder.New(mnemonic)
	if err != nil {
		return nil, xerrors.Errorf("chain %d: building key finder: %w", cc.ChainID, err)
	}
	address := crypto.PubkeyToAddress(walletKey.PublicKey)

	client, err := ethclient.DialContext(ctx, cc.ProviderURL)
	if err != nil {
		return nil, xerrors.Errorf("chain %d: dialing provider: %w", cc.ChainID, err)
	}

	attempts, delay := m.cfg.Retry.Attempts, time.Duration(m.cfg.Retry.Delay)
	reader := &ethReader{client: client, attempts: attempts, delay: delay}

	onRevert := func(ctx context.Context, re *reverts.RevertError) {
		log.Warnf("chain %d: contract call reverted: %s", cc.ChainID, re.Error())
		if !re.NeedsBalanceCheck() {
			return
		}
		balance, err := reader.BalanceAt(ctx, address)
		if err != nil {
			log.Warnw("balance health check failed", "chain", cc.ChainID, "error", err)
			return
		}
		log.Warnw("balance health check", "chain", cc.ChainID, "address", address, "balance", balance)
	}

	contract, err := newContractBinding(client, common.HexToAddress(cc.ContractAddress), walletKey, new(big.Int).SetUint64(cc.ChainID), attempts, delay, onRevert)
	if err != nil {
		client.Close()
		return nil, xerrors.Errorf("chain %d: %w", cc.ChainID, err)
	}

	nc := &NetworkContext{
		ChainID:   cc.ChainID,
		Name:      cc.Name,
		Address:   address,
		Contract:  contract,
		Reader:    reader,
		History:   subgraph.NewClient(cc.SubgraphURL, attempts, delay),
		Storage:   storage.NewGatewayClient(cc.StorageGateway, attempts, delay),
		Keys:      keys,
		Store:     m.storeFor(cc.ChainID),
		WalletKey: walletKey,
		client:    client,
	}
	nc.Attach(ctx)

	if err := m.probe(nc.ctx, nc); err != nil {
		m.teardown(nc)
		return nil, err
	}

	log.Infow("network context ready", "chain", cc.ChainID, "name", cc.Name, "address", address)
	return nc, nil
}

// probe fails fast on a bad endpoint: the chain id must match the
// configuration and the contract must answer a harmless read.
func (m *Manager) probe(ctx context.Context, nc *NetworkContext) error {
	got, err := retry.Do(ctx, m.cfg.Retry.Attempts, time.Duration(m.cfg.Retry.Delay), func(ctx context.Context) (*big.Int, error) {
		return nc.client.ChainID(ctx)
	})
	if err != nil {
		return xerrors.Errorf("chain %d: liveness probe failed: %w", nc.ChainID, err)
	}
	if got.Uint64() != nc.ChainID {
		return xerrors.Errorf("chain %d: provider reports chain id %s", nc.ChainID, got)
	}
	if _, err := nc.Contract.GetGracePeriod(ctx); err != nil {
		return xerrors.Errorf("chain %d: contract probe failed: %w", nc.ChainID, err)
	}
	return nil
}

// supervise waits for a connection-level failure, then tears the context
// down and rebuilds it from the ground up. Connection errors are never
// retried in place.
func (m *Manager) supervise(ctx context.Context, cc *config.Chain, nc *NetworkContext) {
	for {
		select {
		case <-ctx.Done():
			m.teardown(nc)
			return
		case err := <-nc.Failures():
			log.Errorw("chain connection lost, rebuilding context", "chain", cc.ChainID, "error", err)
			m.teardown(nc)
		}

		for {
			rebuilt, err := m.build(ctx, cc)
			if err == nil {
				m.lk.Lock()
				m.contexts[cc.ChainID] = rebuilt
				m.lk.Unlock()
				if m.OnReady != nil {
					m.OnReady(ctx, rebuilt)
				}
				nc = rebuilt
				break
			}
			if xerrors.Is(err, config.ErrMissingSetting) {
				// Configuration went away underneath us; nothing a retry
				// can fix.
				log.Errorf("chain %d: cannot rebuild: %s", cc.ChainID, err)
				return
			}
			log.Warnw("context rebuild failed, will retry", "chain", cc.ChainID, "delay", rebuildDelay, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(rebuildDelay):
			}
		}
	}
}

// teardown cancels everything hanging off the context (subscriptions
// included, they run under the context's ctx) and closes the socket.
func (m *Manager) teardown(nc *NetworkContext) {
	nc.cancel()
	nc.client.Close()
	log.Debugw("network context torn down", "chain", nc.ChainID)
}

func (m *Manager) storeFor(chainID uint64) *store.Store {
	m.lk.Lock()
	defer m.lk.Unlock()
	if s, ok := m.stores[chainID]; ok {
		return s
	}
	s := store.New()
	m.stores[chainID] = s
	return s
}
