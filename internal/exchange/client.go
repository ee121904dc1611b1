// Package exchange implements the CLOB REST and WebSocket clients shared by
// both venues (primary P, hedge H). One Client is constructed per venue
// (§6 DOMAIN STACK: two-venue parameterization), each wrapping its own
// resty HTTP client, Auth, and RateLimiter — nothing is shared across the
// two instances.
//
// The REST client (Client) talks to the CLOB API for order management:
//   - GetOrderBook:       GET  /book               — fetch L2 book for a token
//   - GetOrderStatus:     GET  /data/order/{hash}  — poll one order's fill state
//   - PostOrders:         POST /orders              — batch-place up to 15 signed orders
//   - CancelOrders:       DELETE /orders            — cancel specific orders by ID
//   - CancelAll:          DELETE /cancel-all         — emergency cancel everything
//   - DeriveAPIKey:       GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Every request is automatically retried on network errors and 5xx responses.
// Order, cancel, book and order-status requests are rate-limited via
// per-category TokenBuckets; GetTokenID and DeriveAPIKey are not. Order and
// cancel requests carry L2 HMAC headers and DeriveAPIKey carries L1 headers;
// book, order-status and market reads are sent without auth headers.
package exchange

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"github.com/go-resty/resty/v2"

	"arb-engine/internal/config"
	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

// Client is one venue's CLOB REST API client.
// It wraps a resty HTTP client with rate limiting, retry, and auth.
type Client struct {
	label  string         // "primary" or "hedge", for logs
	http   *resty.Client  // HTTP client with retry + base URL
	auth   *Auth          // L1/L2 auth provider for request signing
	rl     *RateLimiter   // per-endpoint-category rate limiting
	dryRun bool           // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry for one venue.
func NewClient(v config.VenueConfig, dryRun bool, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(v.API.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		label:  v.Label,
		http:   httpClient,
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: dryRun,
		logger: logger.With("venue", v.Label),
	}
}

// FetchBook fetches the raw L2 order book for a single token.
func (c *Client) FetchBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result types.BookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}
	return &result, nil
}

// GetBestBidAsk satisfies internal/book.Refresher: the REST fallback a cache
// entry falls back to once its snapshot goes EXPIRED.
func (c *Client) GetBestBidAsk(ctx context.Context, key string) (bid, ask float64, err error) {
	book, err := c.FetchBook(ctx, key)
	if err != nil {
		return 0, 0, err
	}
	bid = topOfBook(book.Bids)
	ask = topOfBook(book.Asks)
	return bid, ask, nil
}

func topOfBook(levels []types.PriceLevel) float64 {
	if len(levels) == 0 {
		return 0
	}
	f, _ := strconv.ParseFloat(levels[0].Price, 64)
	return f
}

// tickSizeFromFloat maps a plain float64 tick size back to the Polymarket
// enum PriceToAmounts needs for its amount-rounding precision. Values are
// matched by threshold, so anything below 0.001 (including zero) maps to
// the 0.0001 tick.
func tickSizeFromFloat(t float64) types.TickSize {
	switch {
	case t >= 0.1-1e-9:
		return types.Tick01
	case t >= 0.01-1e-9:
		return types.Tick001
	case t >= 0.001-1e-9:
		return types.Tick0001
	default:
		return types.Tick00001
	}
}

// buildOrderPayload converts a venue-agnostic OrderSpec into the on-chain
// SignedOrder + metadata the REST API expects, and signs it with this
// venue's wallet. It converts human-readable price/size to big.Int
// maker/taker amounts at the market's tick precision, sets the maker to the
// funder wallet (proxy), the signer to the EOA, and the taker to the zero
// address (open order, anyone can fill).
func (c *Client) buildOrderPayload(order venue.OrderSpec) (types.OrderPayload, error) {
	if _, ok := new(big.Int).SetString(order.MarketOrAsset, 10); !ok {
		return types.OrderPayload{}, fmt.Errorf("invalid token id %q: not a base-10 integer", order.MarketOrAsset)
	}

	tickSize := tickSizeFromFloat(order.TickSize)
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("generate salt: %w", err)
	}

	signed := types.SignedOrder{
		Salt:          salt.String(),
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.EthAddress().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       order.MarketOrAsset,
		MakerAmount:   makerAmt,
		TakerAmount:   takerAmt,
		Side:          order.Side,
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
		SignatureType: c.auth.sigType,
	}

	sig, err := c.auth.SignOrder(signed)
	if err != nil {
		return types.OrderPayload{}, fmt.Errorf("sign order: %w", err)
	}
	signed.Signature = sig

	return types.OrderPayload{
		Order:     signed,
		Owner:     c.auth.creds.ApiKey,
		OrderType: types.OrderTypeGTC,
	}, nil
}

// PlaceOrder submits a single order and returns the venue's order hash,
// satisfying venue.Client. In dry-run mode no order is built or signed —
// there is no wallet to sign with in a dry-run deployment — and a
// synthetic hash is returned instead.
func (c *Client) PlaceOrder(ctx context.Context, order venue.OrderSpec) (string, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "token_id", order.MarketOrAsset, "price", order.Price, "size", order.Size)
		salt, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 256))
		if err != nil {
			return "", fmt.Errorf("generate dry-run hash: %w", err)
		}
		return "dry-run-" + salt.String(), nil
	}

	payload, err := c.buildOrderPayload(order)
	if err != nil {
		return "", fmt.Errorf("build order payload: %w", err)
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	body, err := json.Marshal([]types.OrderPayload{payload})
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return "", fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody([]types.OrderPayload{payload}).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return "", fmt.Errorf("post order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("post order: status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(results) == 0 || !results[0].Success {
		errMsg := ""
		if len(results) > 0 {
			errMsg = results[0].ErrorMsg
		}
		return "", fmt.Errorf("order rejected: %s", errMsg)
	}
	return results[0].OrderID, nil
}

// orderDetail is the REST response shape for a single order status lookup.
type orderDetail struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// GetOrderStatus polls one order's current fill state, satisfying
// venue.Client. Maps the REST status vocabulary onto the venue-agnostic
// OrderStatus alphabet (§4.7).
func (c *Client) GetOrderStatus(ctx context.Context, orderHash string) (venue.StatusResult, error) {
	if c.dryRun {
		return venue.StatusResult{Status: venue.OrderFilled}, nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return venue.StatusResult{}, err
	}

	var detail orderDetail
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&detail).
		Get("/data/order/" + orderHash)
	if err != nil {
		return venue.StatusResult{}, fmt.Errorf("get order status: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venue.StatusResult{}, fmt.Errorf("get order status: status %d: %s", resp.StatusCode(), resp.String())
	}

	filled, _ := strconv.ParseFloat(detail.SizeMatched, 64)
	original, _ := strconv.ParseFloat(detail.OriginalSize, 64)
	remaining := original - filled
	if remaining < 0 {
		remaining = 0
	}

	return venue.StatusResult{
		Status:    mapOrderStatus(detail.Status, filled, original),
		FilledQty: filled,
		Remaining: remaining,
	}, nil
}

// mapOrderStatus maps the CLOB's order-status vocabulary onto the
// venue-agnostic alphabet, disambiguating "live" (partially filled or not)
// using the filled/original sizes rather than relying on a dedicated status
// string the REST API does not provide.
func mapOrderStatus(raw string, filled, original float64) venue.OrderStatus {
	switch raw {
	case "matched":
		return venue.OrderFilled
	case "canceled", "cancelled":
		return venue.OrderCancelled
	case "expired":
		return venue.OrderExpired
	case "rejected":
		return venue.OrderRejected
	case "live":
		if filled > 0 && filled < original {
			return venue.OrderPartiallyFilled
		}
		return venue.OrderOpen
	default:
		return venue.OrderOpen
	}
}

// CancelOrder cancels a single order by hash, satisfying venue.Client.
func (c *Client) CancelOrder(ctx context.Context, orderHash string) (venue.CancelAck, error) {
	resp, err := c.CancelOrders(ctx, []string{orderHash})
	if err != nil {
		return venue.CancelAck{}, err
	}
	for _, id := range resp.Canceled {
		if id == orderHash {
			return venue.CancelAck{OK: true}, nil
		}
	}
	return venue.CancelAck{OK: false, Reason: "order not found in cancel response"}, nil
}

// GetOrderBook returns the condensed best-bid/best-ask view of a token's
// book, satisfying venue.Client. Use FetchBook for the full depth snapshot.
func (c *Client) GetOrderBook(ctx context.Context, marketOrAsset string) (venue.BidAsk, error) {
	bid, ask, err := c.GetBestBidAsk(ctx, marketOrAsset)
	if err != nil {
		return venue.BidAsk{}, err
	}
	return venue.BidAsk{Bid: bid, Ask: ask}, nil
}

// GetTokenID resolves the CLOB token id for one side of a binary market,
// satisfying venue.Client. Polymarket's CLOB exposes both outcome token ids
// on GET /markets/{conditionId}; market discovery itself (picking which
// markets to trade) is out of scope here (Non-goal) — this only resolves an
// already-chosen market's per-side asset id.
func (c *Client) GetTokenID(ctx context.Context, marketID string, side types.Side) (string, error) {
	var result struct {
		Tokens []struct {
			TokenID string `json:"token_id"`
			Outcome string `json:"outcome"`
		} `json:"tokens"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/markets/" + marketID)
	if err != nil {
		return "", fmt.Errorf("get market: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("get market: status %d: %s", resp.StatusCode(), resp.String())
	}

	wantOutcome := "Yes"
	if side == types.SELL {
		wantOutcome = "No"
	}
	for _, tok := range result.Tokens {
		if tok.Outcome == wantOutcome {
			return tok.TokenID, nil
		}
	}
	return "", fmt.Errorf("no %s token found for market %s", wantOutcome, marketID)
}

// PostOrders places up to 15 orders in one batch request. The task executor
// does not call it; Phase A submits its single order through PlaceOrder.
func (c *Client) PostOrders(ctx context.Context, payloads []types.OrderPayload) ([]types.OrderResponse, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	if len(payloads) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(payloads))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(payloads))
		results := make([]types.OrderResponse, len(payloads))
		for i := range payloads {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", i), Status: "live"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("marshal orders: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var results []types.OrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payloads).
		SetResult(&results).
		Post("/orders")
	if err != nil {
		return nil, fmt.Errorf("post orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("post orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	return results, nil
}

// CancelOrders cancels multiple orders by ID.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) (*types.CancelResponse, error) {
	if len(orderIDs) == 0 {
		return &types.CancelResponse{}, nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return &types.CancelResponse{Canceled: orderIDs}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	payload := struct {
		OrderIDs []string `json:"orderIDs"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// CancelAll cancels every open order this venue's wallet holds.
func (c *Client) CancelAll(ctx context.Context) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel all orders")
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.auth.L2Headers("DELETE", "/cancel-all", "")
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete("/cancel-all")
	if err != nil {
		return nil, fmt.Errorf("cancel all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel all: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Warn("all orders cancelled", "count", len(result.Canceled))
	return &result, nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}
