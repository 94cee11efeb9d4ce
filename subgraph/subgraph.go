// Package subgraph queries the indexer for the historical list of
// sarcophagi referencing this agent. The subgraph may lag the chain; it is
// a cheaper discovery source only, never the system of record — every
// record it returns is re-confirmed on chain before it is acted on.
package subgraph

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/xerrors"

	"github.com/sarcophagus-org/archon/lib/retry"
)

// Record is one sarcophagus as the indexer knows it.
type Record struct {
	ID               common.Hash
	ResurrectionTime time.Time
	DiggingFee       *big.Int
	CursedBond       *big.Int
	CreatedAt        time.Time
	PublicKey        []byte
	StorageRef       string
}

type Client struct {
	url      string
	client   *http.Client
	attempts int
	delay    time.Duration
}

func NewClient(url string, attempts int, delay time.Duration) *Client {
	return &Client{
		url:      url,
		client:   &http.Client{Timeout: 30 * time.Second},
		attempts: attempts,
		delay:    delay,
	}
}

const sarcophagiQuery = `query ($archaeologist: String!) {
  sarcophagi(where: { archaeologists_contains: [$archaeologist] }) {
    sarcoId
    resurrectionTime
    diggingFee
    cursedBond
    creationTime
    publicKey
    arweaveTxId
  }
}`

type gqlRequest struct {
	Query     string            `json:"query"`
	Variables map[string]string `json:"variables"`
}

type gqlSarcophagus struct {
	SarcoID          string `json:"sarcoId"`
	ResurrectionTime string `json:"resurrectionTime"`
	DiggingFee       string `json:"diggingFee"`
	CursedBond       string `json:"cursedBond"`
	CreationTime     string `json:"creationTime"`
	PublicKey        string `json:"publicKey"`
	ArweaveTxID      string `json:"arweaveTxId"`
}

type gqlResponse struct {
	Data struct {
		Sarcophagi []gqlSarcophagus `json:"sarcophagi"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SarcophagiForArchaeologist lists every sarcophagus the indexer has seen
// cursing the given archaeologist address.
func (c *Client) SarcophagiForArchaeologist(ctx context.Context, archaeologist common.Address) ([]Record, error) {
	body, err := json.Marshal(gqlRequest{
		Query:     sarcophagiQuery,
		Variables: map[string]string{"archaeologist": strings.ToLower(archaeologist.Hex())},
	})
	if err != nil {
		return nil, xerrors.Errorf("encoding subgraph query: %w", err)
	}

	resp, err := retry.Do(ctx, c.attempts, c.delay, func(ctx context.Context) (*gqlResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		httpResp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer httpResp.Body.Close() // nolint:errcheck
		if httpResp.StatusCode != http.StatusOK {
			return nil, xerrors.Errorf("subgraph returned status %d", httpResp.StatusCode)
		}
		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return nil, err
		}
		var out gqlResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, xerrors.Errorf("decoding subgraph response: %w", err)
		}
		if len(out.Errors) > 0 {
			return nil, xerrors.Errorf("subgraph query failed: %s", out.Errors[0].Message)
		}
		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Data.Sarcophagi))
	for _, s := range resp.Data.Sarcophagi {
		rec, err := s.toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *gqlSarcophagus) toRecord() (Record, error) {
	resTime, ok := new(big.Int).SetString(s.ResurrectionTime, 10)
	if !ok {
		return Record{}, xerrors.Errorf("sarcophagus %s: bad resurrection time %q", s.SarcoID, s.ResurrectionTime)
	}
	created, ok := new(big.Int).SetString(s.CreationTime, 10)
	if !ok {
		return Record{}, xerrors.Errorf("sarcophagus %s: bad creation time %q", s.SarcoID, s.CreationTime)
	}
	fee, ok := new(big.Int).SetString(s.DiggingFee, 10)
	if !ok {
		return Record{}, xerrors.Errorf("sarcophagus %s: bad digging fee %q", s.SarcoID, s.DiggingFee)
	}
	bond, ok := new(big.Int).SetString(s.CursedBond, 10)
	if !ok {
		return Record{}, xerrors.Errorf("sarcophagus %s: bad cursed bond %q", s.SarcoID, s.CursedBond)
	}
	pub, err := hexutil.Decode(s.PublicKey)
	if err != nil {
		return Record{}, xerrors.Errorf("sarcophagus %s: bad public key: %w", s.SarcoID, err)
	}
	return Record{
		ID:               common.HexToHash(s.SarcoID),
		ResurrectionTime: time.Unix(resTime.Int64(), 0),
		DiggingFee:       fee,
		CursedBond:       bond,
		CreatedAt:        time.Unix(created.Int64(), 0),
		PublicKey:        pub,
		StorageRef:       s.ArweaveTxID,
	}, nil
}
