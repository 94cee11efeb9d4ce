// Package storage consumes the durable content store holding encrypted key
// shares. The store itself is external; this is the fetch-side client plus
// the caller-side decryption helper.
package storage

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto/ecies"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/lib/retry"
)

var ErrNotFound = xerrors.New("storage: payload not found")

// Fetcher retrieves an encrypted payload by its storage reference.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// GatewayClient fetches payloads from an HTTP content gateway
// (gateway URL + "/" + reference).
type GatewayClient struct {
	base     string
	client   *http.Client
	attempts int
	delay    time.Duration
}

func NewGatewayClient(base string, attempts int, delay time.Duration) *GatewayClient {
	return &GatewayClient{
		base:     base,
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: attempts,
		delay:    delay,
	}
}

type fetchResult struct {
	body     []byte
	notFound bool
}

func (g *GatewayClient) Fetch(ctx context.Context, ref string) ([]byte, error) {
	res, err := retry.Do(ctx, g.attempts, g.delay, func(ctx context.Context) (fetchResult, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/"+ref, nil)
		if err != nil {
			return fetchResult{}, err
		}
		resp, err := g.client.Do(req)
		if err != nil {
			return fetchResult{}, err
		}
		defer resp.Body.Close() // nolint:errcheck

		switch {
		case resp.StatusCode == http.StatusOK:
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return fetchResult{}, err
			}
			return fetchResult{body: body}, nil
		case resp.StatusCode == http.StatusNotFound:
			// Definitive answer, not a transient failure; don't burn the
			// remaining attempts on it.
			return fetchResult{notFound: true}, nil
		default:
			return fetchResult{}, fmt.Errorf("storage gateway returned status %d for %s", resp.StatusCode, ref)
		}
	})
	if err != nil {
		return nil, xerrors.Errorf("fetching %s: %w", ref, err)
	}
	if res.notFound {
		return nil, ErrNotFound
	}
	return res.body, nil
}

// DecryptShare decrypts an ECIES payload with the agent's own key.
func DecryptShare(priv *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	share, err := ecies.ImportECDSA(priv).Decrypt(payload, nil, nil)
	if err != nil {
		return nil, xerrors.Errorf("decrypting share: %w", err)
	}
	return share, nil
}

// EncryptShare is the inverse of DecryptShare. The agent itself only ever
// decrypts; this exists for tests and tooling.
func EncryptShare(pub *ecdsa.PublicKey, share []byte) ([]byte, error) {
	return ecies.Encrypt(rand.Reader, ecies.ImportECDSAPublic(pub), share, nil, nil)
}
