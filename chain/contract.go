package chain

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain/reverts"
	"github.com/sarcophagus-org/archon/lib/retry"
)

// maxResurrectionTime is the sentinel the contract stores for a buried
// sarcophagus.
var maxResurrectionTime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// contractBinding implements Contract against the deployed Sarcophagus
// diamond. Every remote call goes through the retry layer; every revert is
// classified before it is surfaced.
type contractBinding struct {
	addr   common.Address
	abi    abi.ABI
	bc     *bind.BoundContract
	client *ethclient.Client
	auth   *bind.TransactOpts

	attempts int
	delay    time.Duration

	// onRevert is invoked with every classified revert, giving the owning
	// context a hook for the balance-health check and operator diagnostics.
	onRevert func(ctx context.Context, re *reverts.RevertError)
}

func newContractBinding(client *ethclient.Client, addr common.Address, key *ecdsa.PrivateKey, chainID *big.Int, attempts int, delay time.Duration, onRevert func(context.Context, *reverts.RevertError)) (*contractBinding, error) {
	parsed, err := abi.JSON(strings.NewReader(sarcophagusABI))
	if err != nil {
		return nil, xerrors.Errorf("parsing contract ABI: %w", err)
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, xerrors.Errorf("building transactor: %w", err)
	}
	return &contractBinding{
		addr:     addr,
		abi:      parsed,
		bc:       bind.NewBoundContract(addr, parsed, client, client, client),
		client:   client,
		auth:     auth,
		attempts: attempts,
		delay:    delay,
		onRevert: onRevert,
	}, nil
}

func (c *contractBinding) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	return retry.Do(ctx, c.attempts, c.delay, func(ctx context.Context) ([]interface{}, error) {
		var out []interface{}
		err := c.bc.Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
		return out, err
	})
}

// transact submits a state-changing call and waits for it to be mined.
// Resubmission under retry is safe: release writes are serialized by the
// in-flight tracking upstream and everything else is operator-driven.
func (c *contractBinding) transact(ctx context.Context, method string, args ...interface{}) error {
	_, err := retry.Do(ctx, c.attempts, c.delay, func(ctx context.Context) (*types.Receipt, error) {
		opts := *c.auth
		opts.Context = ctx
		tx, err := c.bc.Transact(&opts, method, args...)
		if err != nil {
			return nil, err
		}
		receipt, err := bind.WaitMined(ctx, c.client, tx)
		if err != nil {
			return nil, err
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return nil, xerrors.Errorf("transaction %s reverted", tx.Hash())
		}
		return receipt, nil
	})
	if err != nil {
		re := reverts.Classify(err)
		if c.onRevert != nil {
			c.onRevert(ctx, re)
		}
		return xerrors.Errorf("%s: %w", method, re)
	}
	return nil
}

type rawProfile struct {
	Exists                  bool
	MinimumDiggingFee       *big.Int
	MaximumRewrapInterval   *big.Int
	MaximumResurrectionTime *big.Int
	FreeBond                *big.Int
	CursedBond              *big.Int
	PeerId                  string
}

func (c *contractBinding) GetProfile(ctx context.Context, archaeologist common.Address) (Profile, error) {
	out, err := c.call(ctx, "getArchaeologistProfile", archaeologist)
	if err != nil {
		return Profile{}, xerrors.Errorf("getArchaeologistProfile: %w", reverts.Classify(err))
	}
	raw := *abi.ConvertType(out[0], new(rawProfile)).(*rawProfile)
	return Profile{
		Exists:                  raw.Exists,
		MinimumDiggingFee:       raw.MinimumDiggingFee,
		MaximumRewrapInterval:   time.Duration(raw.MaximumRewrapInterval.Int64()) * time.Second,
		MaximumResurrectionTime: time.Unix(raw.MaximumResurrectionTime.Int64(), 0),
		FreeBond:                raw.FreeBond,
		CursedBond:              raw.CursedBond,
		PeerID:                  raw.PeerId,
	}, nil
}

func (c *contractBinding) RegisterProfile(ctx context.Context, p Profile) error {
	return c.transact(ctx, "registerArchaeologist",
		p.PeerID, p.MinimumDiggingFee,
		big.NewInt(int64(p.MaximumRewrapInterval/time.Second)),
		big.NewInt(p.MaximumResurrectionTime.Unix()),
		p.FreeBond)
}

func (c *contractBinding) UpdateProfile(ctx context.Context, p Profile) error {
	return c.transact(ctx, "updateArchaeologist",
		p.PeerID, p.MinimumDiggingFee,
		big.NewInt(int64(p.MaximumRewrapInterval/time.Second)),
		big.NewInt(p.MaximumResurrectionTime.Unix()),
		p.FreeBond)
}

func (c *contractBinding) DepositFreeBond(ctx context.Context, amount *big.Int) error {
	return c.transact(ctx, "depositFreeBond", amount)
}

func (c *contractBinding) WithdrawFreeBond(ctx context.Context, amount *big.Int) error {
	return c.transact(ctx, "withdrawFreeBond", amount)
}

func (c *contractBinding) WithdrawReward(ctx context.Context) error {
	return c.transact(ctx, "withdrawReward")
}

func (c *contractBinding) PublishPrivateKey(ctx context.Context, sarcoID common.Hash, key *ecdsa.PrivateKey) error {
	var keyBytes [32]byte
	copy(keyBytes[:], crypto.FromECDSA(key))
	return c.transact(ctx, "publishPrivateKey", [32]byte(sarcoID), keyBytes)
}

type rawSarcophagus struct {
	ResurrectionTime *big.Int
	IsCompromised    bool
	IsCleaned        bool
	DiggingFee       *big.Int
	CursedBond       *big.Int
	CreationTime     *big.Int
	PublicKey        []byte
	PrivateKey       [32]byte
	ArweaveTxId      string
}

func (c *contractBinding) GetSarcophagus(ctx context.Context, sarcoID common.Hash) (SarcophagusView, error) {
	out, err := c.call(ctx, "getSarcophagus", [32]byte(sarcoID))
	if err != nil {
		return SarcophagusView{}, xerrors.Errorf("getSarcophagus: %w", reverts.Classify(err))
	}
	raw := *abi.ConvertType(out[0], new(rawSarcophagus)).(*rawSarcophagus)

	view := SarcophagusView{
		ID:            sarcoID,
		Buried:        raw.ResurrectionTime.Cmp(maxResurrectionTime) == 0,
		IsCompromised: raw.IsCompromised,
		IsCleaned:     raw.IsCleaned,
		KeyPublished:  raw.PrivateKey != [32]byte{},
		DiggingFee:    raw.DiggingFee,
		CursedBond:    raw.CursedBond,
		CreatedAt:     time.Unix(raw.CreationTime.Int64(), 0),
		PublicKey:     raw.PublicKey,
		StorageRef:    raw.ArweaveTxId,
	}
	if !view.Buried {
		view.ResurrectionTime = time.Unix(raw.ResurrectionTime.Int64(), 0)
	}
	return view, nil
}

func (c *contractBinding) GetGracePeriod(ctx context.Context) (time.Duration, error) {
	out, err := c.call(ctx, "getGracePeriod")
	if err != nil {
		return 0, xerrors.Errorf("getGracePeriod: %w", reverts.Classify(err))
	}
	secs := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return time.Duration(secs.Int64()) * time.Second, nil
}

type rawCreate struct {
	SarcoId              [32]byte
	ResurrectionTime     *big.Int
	DiggingFee           *big.Int
	CursedBond           *big.Int
	ArweaveTxId          string
	PublicKey            []byte
	CursedArchaeologists []common.Address
}

type rawRewrap struct {
	SarcoId             [32]byte
	NewResurrectionTime *big.Int
}

type rawSarcoIDOnly struct {
	SarcoId [32]byte
}

type rawAccuse struct {
	SarcoId                [32]byte
	AccusedArchaeologist   common.Address
	SarcophagusCompromised bool
}

// SubscribeEvents opens one filter-log subscription over the five contract
// events and decodes each log into an Event on sink. Undecodable logs are
// logged and skipped, never fatal.
func (c *contractBinding) SubscribeEvents(ctx context.Context, sink chan<- Event) (Subscription, error) {
	topics := []common.Hash{
		c.abi.Events["CreateSarcophagus"].ID,
		c.abi.Events["RewrapSarcophagus"].ID,
		c.abi.Events["BurySarcophagus"].ID,
		c.abi.Events["CleanUpSarcophagus"].ID,
		c.abi.Events["AccuseArchaeologist"].ID,
	}
	logs := make(chan types.Log, 32)
	sub, err := c.client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.addr},
		Topics:    [][]common.Hash{topics},
	}, logs)
	if err != nil {
		return nil, xerrors.Errorf("subscribing to contract logs: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case l, ok := <-logs:
				if !ok {
					return
				}
				ev, err := c.decodeLog(l)
				if err != nil {
					log.Warnw("skipping undecodable contract log", "tx", l.TxHash, "error", err)
					continue
				}
				select {
				case sink <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}

func (c *contractBinding) decodeLog(l types.Log) (Event, error) {
	if len(l.Topics) == 0 {
		return Event{}, xerrors.New("log has no topics")
	}
	switch l.Topics[0] {
	case c.abi.Events["CreateSarcophagus"].ID:
		var raw rawCreate
		if err := c.bc.UnpackLog(&raw, "CreateSarcophagus", l); err != nil {
			return Event{}, err
		}
		return Event{
			Kind:             EventCreate,
			SarcoID:          common.Hash(raw.SarcoId),
			ResurrectionTime: time.Unix(raw.ResurrectionTime.Int64(), 0),
			DiggingFee:       raw.DiggingFee,
			CursedBond:       raw.CursedBond,
			StorageRef:       raw.ArweaveTxId,
			PublicKey:        raw.PublicKey,
			Archaeologists:   raw.CursedArchaeologists,
		}, nil
	case c.abi.Events["RewrapSarcophagus"].ID:
		var raw rawRewrap
		if err := c.bc.UnpackLog(&raw, "RewrapSarcophagus", l); err != nil {
			return Event{}, err
		}
		return Event{
			Kind:             EventRewrap,
			SarcoID:          common.Hash(raw.SarcoId),
			ResurrectionTime: time.Unix(raw.NewResurrectionTime.Int64(), 0),
		}, nil
	case c.abi.Events["BurySarcophagus"].ID:
		var raw rawSarcoIDOnly
		if err := c.bc.UnpackLog(&raw, "BurySarcophagus", l); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventBury, SarcoID: common.Hash(raw.SarcoId)}, nil
	case c.abi.Events["CleanUpSarcophagus"].ID:
		var raw rawSarcoIDOnly
		if err := c.bc.UnpackLog(&raw, "CleanUpSarcophagus", l); err != nil {
			return Event{}, err
		}
		return Event{Kind: EventClean, SarcoID: common.Hash(raw.SarcoId)}, nil
	case c.abi.Events["AccuseArchaeologist"].ID:
		var raw rawAccuse
		if err := c.bc.UnpackLog(&raw, "AccuseArchaeologist", l); err != nil {
			return Event{}, err
		}
		return Event{
			Kind:        EventAccuse,
			SarcoID:     common.Hash(raw.SarcoId),
			Accused:     raw.AccusedArchaeologist,
			Compromised: raw.SarcophagusCompromised,
		}, nil
	}
	return Event{}, xerrors.Errorf("unknown event topic %s", l.Topics[0])
}
