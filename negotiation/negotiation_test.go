package negotiation

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/raulk/clock"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
	"github.com/sarcophagus-org/archon/chain/store"
	"github.com/sarcophagus-org/archon/keyfinder"
	"github.com/sarcophagus-org/archon/storage"
)

const testMnemonic = "test test test test test test test test test test test junk"

type profileContract struct {
	profile chain.Profile
}

func (f *profileContract) GetProfile(context.Context, common.Address) (chain.Profile, error) {
	return f.profile, nil
}
func (f *profileContract) RegisterProfile(context.Context, chain.Profile) error { return nil }
func (f *profileContract) UpdateProfile(context.Context, chain.Profile) error   { return nil }
func (f *profileContract) DepositFreeBond(context.Context, *big.Int) error      { return nil }
func (f *profileContract) WithdrawFreeBond(context.Context, *big.Int) error     { return nil }
func (f *profileContract) WithdrawReward(context.Context) error                 { return nil }
func (f *profileContract) PublishPrivateKey(context.Context, common.Hash, *ecdsa.PrivateKey) error {
	return nil
}
func (f *profileContract) GetSarcophagus(context.Context, common.Hash) (chain.SarcophagusView, error) {
	return chain.SarcophagusView{}, nil
}
func (f *profileContract) GetGracePeriod(context.Context) (time.Duration, error) {
	return 10 * time.Minute, nil
}
func (f *profileContract) SubscribeEvents(context.Context, chan<- chain.Event) (chain.Subscription, error) {
	return nil, xerrors.New("not implemented")
}

type mapStorage struct {
	payloads map[string][]byte
}

func (f *mapStorage) Fetch(ctx context.Context, ref string) ([]byte, error) {
	p, ok := f.payloads[ref]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

type fixture struct {
	handler *Handler
	clk     *clock.Mock
	nc      *chain.NetworkContext
	fs      *mapStorage
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	keys, err := keyfinder.New(testMnemonic)
	require.NoError(t, err)
	walletKey, err := keyfinder.WalletKey(testMnemonic)
	require.NoError(t, err)

	contract := &profileContract{profile: chain.Profile{
		Exists:                true,
		MinimumDiggingFee:     big.NewInt(100),
		MaximumRewrapInterval: 30 * 24 * time.Hour,
	}}

	nc := &chain.NetworkContext{
		ChainID:   1,
		Name:      "testnet",
		Address:   crypto.PubkeyToAddress(walletKey.PublicKey),
		Contract:  contract,
		Keys:      keys,
		Store:     store.New(),
		WalletKey: walletKey,
	}
	fs := &mapStorage{payloads: make(map[string][]byte)}
	nc.Storage = fs
	require.NoError(t, nc.RefreshProfile(context.Background()))

	clk := clock.NewMock()
	return &fixture{
		handler: NewHandlerWithClock(nc, 1<<16, time.Minute, clk),
		clk:     clk,
		nc:      nc,
		fs:      fs,
	}
}

// validRequest stores an encrypted share under the given ref and returns a
// request that should pass the whole pipeline.
func (fx *fixture) validRequest(t *testing.T, keyIndex uint32) Request {
	t.Helper()
	priv, err := fx.nc.Keys.DeriveAtIndex(keyIndex)
	require.NoError(t, err)

	share := []byte("inner key share material")
	payload, err := storage.EncryptShare(&priv.PublicKey, share)
	require.NoError(t, err)

	ref := "tx-abc123"
	fx.fs.payloads[ref] = payload

	return Request{
		StorageRef:        ref,
		DoubleHashedShare: hex.EncodeToString(crypto.Keccak256(crypto.Keccak256(share))),
		MaxRewrapInterval: uint64((7 * 24 * time.Hour).Seconds()),
		DiggingFee:        "250",
		Timestamp:         fx.clk.Now().Unix(),
	}
}

func requireRejected(t *testing.T, resp Response, code string) {
	t.Helper()
	require.NotNil(t, resp.Error)
	require.Equal(t, code, resp.Error.Code)
	require.Empty(t, resp.Signature)
}

func TestNegotiateAcceptsAndSigns(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)

	resp := fx.handler.Negotiate(context.Background(), req)
	require.Nil(t, resp.Error)

	sig, err := hex.DecodeString(resp.Signature)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	// The embalmer verifies the signature by recovering the signer address.
	pub, err := crypto.SigToPub(crypto.Keccak256(CanonicalTerms(req)), sig)
	require.NoError(t, err)
	require.Equal(t, fx.nc.Address, crypto.PubkeyToAddress(*pub))
}

func TestNegotiateRejectsOversizedInterval(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.MaxRewrapInterval = uint64((31 * 24 * time.Hour).Seconds())

	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeMaxIntervalTooLarge)
}

func TestNegotiateRejectsLowFee(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.DiggingFee = "99"

	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeDiggingFeeTooLow)
}

func TestNegotiateRejectsMalformedFee(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.DiggingFee = "lots"

	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeDiggingFeeTooLow)
}

func TestIntervalRejectionWinsOverFee(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.MaxRewrapInterval = uint64((31 * 24 * time.Hour).Seconds())
	req.DiggingFee = "1"

	// Both checks fail; the pipeline order makes the interval code the one
	// reported.
	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeMaxIntervalTooLarge)
}

func TestNegotiateRejectsFutureTimestamp(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.Timestamp = fx.clk.Now().Add(2 * time.Minute).Unix()

	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeInvalidTimestamp)
}

func TestNegotiateAcceptsOldTimestamp(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.Timestamp = fx.clk.Now().Add(-24 * time.Hour).Unix()

	resp := fx.handler.Negotiate(context.Background(), req)
	require.Nil(t, resp.Error)
}

func TestNegotiateTimestampWithinSkewAccepted(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.Timestamp = fx.clk.Now().Add(30 * time.Second).Unix()

	resp := fx.handler.Negotiate(context.Background(), req)
	require.Nil(t, resp.Error)
}

func TestNegotiateRejectsMissingShare(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	req.StorageRef = "tx-no-such-ref"

	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeStorageShareInvalid)
}

func TestNegotiateRejectsHashMismatch(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	wrong := crypto.Keccak256(crypto.Keccak256([]byte("a different share")))
	req.DoubleHashedShare = "0x" + hex.EncodeToString(wrong)

	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeStorageShareInvalid)
}

func TestNegotiateRejectsShareForForeignKey(t *testing.T) {
	fx := newFixture(t)

	// Encrypted to a key that is not part of our derivation tree at any
	// index we would try.
	foreign, err := crypto.GenerateKey()
	require.NoError(t, err)
	share := []byte("share for someone else")
	payload, err := storage.EncryptShare(&foreign.PublicKey, share)
	require.NoError(t, err)
	fx.fs.payloads["tx-foreign"] = payload

	req := Request{
		StorageRef:        "tx-foreign",
		DoubleHashedShare: hex.EncodeToString(crypto.Keccak256(crypto.Keccak256(share))),
		MaxRewrapInterval: 3600,
		DiggingFee:        "250",
		Timestamp:         fx.clk.Now().Unix(),
	}
	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeStorageShareInvalid)
}

func TestNegotiateTriesNextUnusedKeyIndex(t *testing.T) {
	fx := newFixture(t)

	// A prior curse consumed index 0; the store has seen one commitment, so
	// a fresh negotiation encrypts to index 1.
	fx.nc.Store.Put(&store.Commitment{ID: common.Hash{1}})
	req := fx.validRequest(t, 1)

	resp := fx.handler.Negotiate(context.Background(), req)
	require.Nil(t, resp.Error)
}

func TestNegotiateRejectsWithoutProfile(t *testing.T) {
	fx := newFixture(t)
	fx.nc.Contract.(*profileContract).profile = chain.Profile{}
	require.NoError(t, fx.nc.RefreshProfile(context.Background()))

	req := fx.validRequest(t, 0)
	requireRejected(t, fx.handler.Negotiate(context.Background(), req), CodeUnknownError)
}

func TestCanonicalTermsStableAcrossHexPrefix(t *testing.T) {
	fx := newFixture(t)
	req := fx.validRequest(t, 0)
	prefixed := req
	prefixed.DoubleHashedShare = "0x" + req.DoubleHashedShare

	require.Equal(t, CanonicalTerms(req), CanonicalTerms(prefixed))
}

func TestProtocolIDPerChain(t *testing.T) {
	require.Equal(t, "/sarco/negotiate/1.0.0/1", string(ProtocolID(1)))
	require.NotEqual(t, ProtocolID(1), ProtocolID(5))
}
