package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Credit costs per call class, charged against the daily Budget.
const (
	costSupply      = 1
	costSignatures  = 10
	costTransaction = 10
	costAsset       = 10
)

const (
	maxFundingHops = 2
	maxConcurrent  = 5
	httpTimeout    = 30 * time.Second
)

var (
	// ErrBudget means today's credit budget cannot cover the call.
	ErrBudget = errors.New("enrichment credit budget exhausted")
	// ErrUnavailable means the circuit breaker is open.
	ErrUnavailable = errors.New("enrichment service unavailable")
)

// TokenMetadata is what the metadata service knows about a mint.
type TokenMetadata struct {
	Mint          string
	Name          string
	Symbol        string
	Image         string
	Supply        uint64 // raw units
	Decimals      int
	PricePerToken float64
	PriceCurrency string
}

// TokenSupply is the mint's raw supply and decimal count.
type TokenSupply struct {
	Amount   uint64
	Decimals int
}

// FundingHop is one resolved step in a wallet's funding chain.
type FundingHop struct {
	Funder    string
	Signature string
	Slot      uint64
}

// FundingInfo is a wallet's funding chain, nearest hop first.
type FundingInfo struct {
	Wallet string
	Chain  []FundingHop
}

// UltimateFunder returns the last resolved funder in the chain.
func (f *FundingInfo) UltimateFunder() string {
	if len(f.Chain) == 0 {
		return ""
	}
	return f.Chain[len(f.Chain)-1].Funder
}

// Stats is a point-in-time view of client usage for /stats.
type Stats struct {
	Requests         int64 `json:"requests"`
	Errors           int64 `json:"errors"`
	CreditsUsed      int64 `json:"credits_used"`
	CreditsRemaining int64 `json:"credits_remaining"`
	Degraded         bool  `json:"degraded"`
}

// Client talks JSON-RPC to the external enrichment service. All calls
// pass the circuit breaker and the daily credit budget before any
// bytes go on the wire.
type Client struct {
	http    *http.Client
	url     string
	budget  *Budget
	breaker *breaker
	sem     chan struct{}
	log     *logrus.Logger

	requests atomic.Int64
	errors   atomic.Int64
	reqID    atomic.Int64
}

func New(endpoint, apiKey string, budget *Budget, log *logrus.Logger) *Client {
	return &Client{
		http:    &http.Client{Timeout: httpTimeout},
		url:     fmt.Sprintf("%s/?api-key=%s", strings.TrimRight(endpoint, "/"), apiKey),
		budget:  budget,
		breaker: newBreaker(),
		sem:     make(chan struct{}, maxConcurrent),
		log:     log,
	}
}

type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call runs one RPC against the service. Transport and HTTP-status
// failures count toward the breaker; an in-band RPC error does not,
// since the service itself answered.
func (c *Client) call(ctx context.Context, method string, params any, credits int64, out any) error {
	if !c.breaker.allow() {
		return fmt.Errorf("%s: %w", method, ErrUnavailable)
	}
	if !c.budget.Spend(credits) {
		c.log.WithFields(logrus.Fields{
			"component": "enrich",
			"method":    method,
		}).Warn("Credit budget exceeded, skipping call")
		return fmt.Errorf("%s: %w", method, ErrBudget)
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return ctx.Err()
	}

	c.requests.Add(1)
	payload, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("%s: encode request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.errors.Add(1)
		c.breaker.failure()
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.errors.Add(1)
		c.breaker.failure()
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		c.errors.Add(1)
		c.breaker.failure()
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	c.breaker.success()

	if rpcResp.Error != nil {
		c.errors.Add(1)
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			c.errors.Add(1)
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// accountKey accepts both encodings of transaction account keys: a
// bare address string or a jsonParsed object with a pubkey field.
type accountKey string

func (k *accountKey) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*k = accountKey(s)
		return nil
	}
	var obj struct {
		Pubkey string `json:"pubkey"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*k = accountKey(obj.Pubkey)
	return nil
}

type sigInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime int64           `json:"blockTime"`
}

func (s *sigInfo) ok() bool {
	return len(s.Err) == 0 || string(s.Err) == "null"
}

type txEnvelope struct {
	Meta struct {
		PreBalances  []uint64 `json:"preBalances"`
		PostBalances []uint64 `json:"postBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []accountKey `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

// FundingSource traces who first funded a wallet, following the chain
// up to two hops. A wallet with no resolvable funder returns
// (nil, nil); funding is best-effort, not an error.
func (c *Client) FundingSource(ctx context.Context, wallet string) (*FundingInfo, error) {
	// A full trace is two signature lookups plus two transaction
	// fetches; don't start one we can't finish.
	if !c.budget.CanSpend((costSignatures + costTransaction) * maxFundingHops) {
		return nil, fmt.Errorf("funding trace: %w", ErrBudget)
	}

	info := &FundingInfo{Wallet: wallet}
	current := wallet

	for hop := 0; hop < maxFundingHops; hop++ {
		sigs, err := c.signatures(ctx, current, 5)
		if err != nil {
			if len(info.Chain) > 0 {
				break
			}
			return nil, err
		}

		var (
			funder string
			via    sigInfo
		)
		// Oldest signature first: the earliest successful inbound
		// transfer is the funding event.
		for i := len(sigs) - 1; i >= 0; i-- {
			if !sigs[i].ok() {
				continue
			}
			var tx txEnvelope
			if err := c.call(ctx, "getTransaction", []any{
				sigs[i].Signature,
				map[string]any{"encoding": "jsonParsed", "maxSupportedTransactionVersion": 0},
			}, costTransaction, &tx); err != nil {
				continue
			}
			if f := extractFunder(&tx, current); f != "" && f != current {
				funder = f
				via = sigs[i]
				break
			}
		}
		if funder == "" {
			break
		}

		info.Chain = append(info.Chain, FundingHop{
			Funder:    funder,
			Signature: via.Signature,
			Slot:      via.Slot,
		})
		current = funder
	}

	if len(info.Chain) == 0 {
		return nil, nil
	}
	return info, nil
}

func (c *Client) signatures(ctx context.Context, address string, limit int) ([]sigInfo, error) {
	var sigs []sigInfo
	err := c.call(ctx, "getSignaturesForAddress", []any{
		address,
		map[string]any{"limit": limit},
	}, costSignatures, &sigs)
	return sigs, err
}

// extractFunder finds who sent native tokens to recipient in a
// transaction: the recipient's balance must have increased, and the
// first account whose balance decreased is taken as the sender (the
// fee payer leads the account list, and the funder pays the fee).
func extractFunder(tx *txEnvelope, recipient string) string {
	keys := tx.Transaction.Message.AccountKeys
	pre := tx.Meta.PreBalances
	post := tx.Meta.PostBalances

	received := false
	for i, key := range keys {
		if string(key) != recipient || i >= len(pre) || i >= len(post) {
			continue
		}
		if post[i] > pre[i] {
			received = true
		}
		break
	}
	if !received {
		return ""
	}

	for j, key := range keys {
		if j >= len(pre) || j >= len(post) {
			continue
		}
		if pre[j] > post[j] {
			return string(key)
		}
	}
	return ""
}

// TokenSupply fetches a mint's raw supply and decimals.
func (c *Client) TokenSupply(ctx context.Context, mint string) (*TokenSupply, error) {
	var env struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals int    `json:"decimals"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getTokenSupply", []any{mint}, costSupply, &env); err != nil {
		return nil, err
	}
	amount, err := strconv.ParseUint(env.Value.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("getTokenSupply: bad amount %q: %w", env.Value.Amount, err)
	}
	return &TokenSupply{Amount: amount, Decimals: env.Value.Decimals}, nil
}

// TokenMetadata fetches display metadata and supply for a mint from
// the asset endpoint.
func (c *Client) TokenMetadata(ctx context.Context, mint string) (*TokenMetadata, error) {
	var env struct {
		Content struct {
			Metadata struct {
				Name   string `json:"name"`
				Symbol string `json:"symbol"`
			} `json:"metadata"`
			Links struct {
				Image string `json:"image"`
			} `json:"links"`
		} `json:"content"`
		TokenInfo struct {
			Supply    uint64 `json:"supply"`
			Decimals  int    `json:"decimals"`
			PriceInfo struct {
				PricePerToken float64 `json:"price_per_token"`
				Currency      string  `json:"currency"`
			} `json:"price_info"`
		} `json:"token_info"`
	}
	if err := c.call(ctx, "getAsset", map[string]any{"id": mint}, costAsset, &env); err != nil {
		return nil, err
	}
	return &TokenMetadata{
		Mint:          mint,
		Name:          env.Content.Metadata.Name,
		Symbol:        env.Content.Metadata.Symbol,
		Image:         env.Content.Links.Image,
		Supply:        env.TokenInfo.Supply,
		Decimals:      env.TokenInfo.Decimals,
		PricePerToken: env.TokenInfo.PriceInfo.PricePerToken,
		PriceCurrency: env.TokenInfo.PriceInfo.Currency,
	}, nil
}

// Degraded reports whether enrichment output should be treated as
// incomplete: budget nearly spent or the breaker open.
func (c *Client) Degraded() bool {
	return c.budget.Degraded() || !c.breaker.allow()
}

// Stats returns usage counters for the stats surface.
func (c *Client) Stats() Stats {
	return Stats{
		Requests:         c.requests.Load(),
		Errors:           c.errors.Load(),
		CreditsUsed:      c.budget.Used(),
		CreditsRemaining: c.budget.Remaining(),
		Degraded:         c.Degraded(),
	}
}
