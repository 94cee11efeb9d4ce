// Package negotiation serves the pre-curse handshake: an embalmer proposes
// terms over a libp2p stream, the agent validates them against its
// published profile and its custody of the encrypted key share, and
// returns either a signed acceptance or a structured rejection. The
// handler must answer every stream exactly once and must never let an
// error escape into the transport layer.
package negotiation

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/chain"
	"github.com/sarcophagus-org/archon/storage"
)

var log = logging.Logger("negotiation")

const protocolPrefix = "/sarco/negotiate/1.0.0"

// ProtocolID returns the per-chain stream protocol name.
func ProtocolID(chainID uint64) protocol.ID {
	return protocol.ID(fmt.Sprintf("%s/%d", protocolPrefix, chainID))
}

// Rejection codes form a closed taxonomy; they are part of the wire
// protocol, not just diagnostics.
const (
	CodeUnknownError        = "UNKNOWN_ERROR"
	CodeMaxIntervalTooLarge = "MAX_REWRAP_INTERVAL_TOO_LARGE"
	CodeDiggingFeeTooLow    = "DIGGING_FEE_TOO_LOW"
	CodeInvalidTimestamp    = "INVALID_TIMESTAMP"
	CodeStorageShareInvalid = "INVALID_STORAGE_SHARE"
)

// Request is the embalmer's proposal. DiggingFee is a decimal string so
// the wire format has no integer-precision pitfalls.
type Request struct {
	StorageRef        string `json:"arweaveTxId"`
	DoubleHashedShare string `json:"doubleHashedShare"`
	MaxRewrapInterval uint64 `json:"maxRewrapInterval"`
	DiggingFee        string `json:"diggingFee"`
	Timestamp         int64  `json:"timestamp"`
}

type Rejection struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response carries exactly one of Signature or Error.
type Response struct {
	Signature string     `json:"signature,omitempty"`
	Error     *Rejection `json:"error,omitempty"`
}

type Handler struct {
	nc             *chain.NetworkContext
	clk            clock.Clock
	maxMessageSize int64
	timestampSkew  time.Duration
}

func NewHandler(nc *chain.NetworkContext, maxMessageSize int64, timestampSkew time.Duration) *Handler {
	return NewHandlerWithClock(nc, maxMessageSize, timestampSkew, clock.New())
}

func NewHandlerWithClock(nc *chain.NetworkContext, maxMessageSize int64, timestampSkew time.Duration, clk clock.Clock) *Handler {
	return &Handler{
		nc:             nc,
		clk:            clk,
		maxMessageSize: maxMessageSize,
		timestampSkew:  timestampSkew,
	}
}

// HandleStream reads one length-bounded request and writes exactly one
// response. The remote side closes the stream after reading it.
func (h *Handler) HandleStream(s network.Stream) {
	defer s.Close() // nolint:errcheck

	var req Request
	if err := json.NewDecoder(io.LimitReader(s, h.maxMessageSize)).Decode(&req); err != nil {
		log.Debugw("unparseable negotiation request", "peer", s.Conn().RemotePeer(), "error", err)
		h.respond(s, reject(CodeUnknownError, "could not parse negotiation request"))
		return
	}

	resp := h.Negotiate(context.Background(), req)
	if resp.Error != nil {
		log.Infow("negotiation rejected", "peer", s.Conn().RemotePeer(), "code", resp.Error.Code)
	} else {
		log.Infow("negotiation accepted", "peer", s.Conn().RemotePeer(), "chain", h.nc.ChainID)
	}
	h.respond(s, resp)
}

func (h *Handler) respond(s network.Stream, resp Response) {
	if err := json.NewEncoder(s).Encode(resp); err != nil {
		log.Warnw("failed to write negotiation response", "peer", s.Conn().RemotePeer(), "error", err)
	}
}

// Negotiate runs the validation pipeline in its contractual order; the
// first failing check wins, so rejection precedence is deterministic. Any
// panic downstream is converted to the generic rejection.
func (h *Handler) Negotiate(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("negotiation pipeline panicked: %v", r)
			resp = reject(CodeUnknownError, "internal error during negotiation")
		}
	}()

	profile := h.nc.Profile()
	if !profile.Exists {
		return reject(CodeUnknownError, "archaeologist profile is not registered on this chain")
	}

	interval := time.Duration(req.MaxRewrapInterval) * time.Second
	if interval > profile.MaximumRewrapInterval {
		return reject(CodeMaxIntervalTooLarge, fmt.Sprintf(
			"proposed rewrap interval %s exceeds the published maximum %s", interval, profile.MaximumRewrapInterval))
	}

	fee, ok := new(big.Int).SetString(req.DiggingFee, 10)
	if !ok {
		return reject(CodeDiggingFeeTooLow, "digging fee is not a valid decimal amount")
	}
	if fee.Cmp(profile.MinimumDiggingFee) < 0 {
		return reject(CodeDiggingFeeTooLow, fmt.Sprintf(
			"proposed digging fee %s is below the published minimum %s", fee, profile.MinimumDiggingFee))
	}

	// Only future-dated requests are rejected; arbitrarily old ones are
	// accepted on purpose so embalmers can prepare a request offline and
	// submit it later. Reviewable policy choice.
	if time.Unix(req.Timestamp, 0).After(h.clk.Now().Add(h.timestampSkew)) {
		return reject(CodeInvalidTimestamp, "request timestamp is too far in the future")
	}

	// The storage check is the only one needing a remote fetch, which is
	// why it runs last.
	if err := h.verifyShareCustody(ctx, req); err != nil {
		log.Debugw("share custody verification failed", "ref", req.StorageRef, "error", err)
		return reject(CodeStorageShareInvalid, "encrypted share is missing or does not match the committed hash")
	}

	sig, err := h.signTerms(req)
	if err != nil {
		log.Errorw("failed to sign negotiation terms", "error", err)
		return reject(CodeUnknownError, "internal error during negotiation")
	}
	return Response{Signature: hex.EncodeToString(sig)}
}

// verifyShareCustody fetches the encrypted share from content storage,
// decrypts it with the agent's own keys and checks that its double hash
// matches what the embalmer committed to.
func (h *Handler) verifyShareCustody(ctx context.Context, req Request) error {
	want, err := hex.DecodeString(trim0x(req.DoubleHashedShare))
	if err != nil {
		return xerrors.Errorf("bad double hash encoding: %w", err)
	}

	payload, err := h.nc.Storage.Fetch(ctx, req.StorageRef)
	if err != nil {
		return xerrors.Errorf("fetching share: %w", err)
	}

	// The share is encrypted to one of the agent's advertised keys; the
	// exact index depends on how many curses raced this negotiation, so
	// try the keys up to and including the current next-unused index.
	seen := h.nc.Store.Seen()
	var lastErr error
	for i := uint32(0); i <= seen+1; i++ {
		priv, err := h.nc.Keys.DeriveAtIndex(i)
		if err != nil {
			return err
		}
		share, err := storage.DecryptShare(priv, payload)
		if err != nil {
			lastErr = err
			continue
		}
		if doubleHashMatches(share, want) {
			return nil
		}
		return xerrors.New("decrypted share does not match the committed double hash")
	}
	return xerrors.Errorf("no key decrypts the share: %w", lastErr)
}

func doubleHashMatches(share, want []byte) bool {
	got := crypto.Keccak256(crypto.Keccak256(share))
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

// signTerms hashes the canonical encoding of the accepted terms and signs
// it with the chain signing identity. The embalmer submits this signature
// with the curse transaction.
func (h *Handler) signTerms(req Request) ([]byte, error) {
	digest := crypto.Keccak256(CanonicalTerms(req))
	return crypto.Sign(digest, h.nc.WalletKey)
}

// CanonicalTerms is the exact byte encoding both sides hash and sign:
// newline-delimited fields in fixed order.
func CanonicalTerms(req Request) []byte {
	return []byte(fmt.Sprintf("%s\n%s\n%d\n%s\n%d",
		req.StorageRef, trim0x(req.DoubleHashedShare), req.MaxRewrapInterval, req.DiggingFee, req.Timestamp))
}

func reject(code, message string) Response {
	return Response{Error: &Rejection{Code: code, Message: message}}
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
