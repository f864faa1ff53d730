// Package exchange implements the Polymarket CLOB REST and WebSocket clients.
//
// The REST client (Client) talks to the Polymarket CLOB and Gamma APIs:
//   - GetOrderBook:  GET  /book                    — fetch L2 book for a token
//   - FindMarkets:   GET  gamma /markets            — slot-aligned market discovery
//   - GetBalance:    GET  /balance-allowance        — collateral balance for sizing
//   - PostOrders:    POST /orders                   — batch-place up to 15 orders (Signature left empty)
//   - CancelOrders/CancelAll/CancelMarketOrders:     — order cancellation
//   - DeriveAPIKey:  GET  /auth/derive-api-key       — bootstrap L2 creds from L1 wallet
//
// Every request is automatically retried on transport errors and 5xx
// responses. All requests except DeriveAPIKey are rate-limited via
// per-category TokenBuckets. Requests carry L2 HMAC headers, except book and
// market-discovery reads, which are public, and DeriveAPIKey, which uses L1
// wallet headers.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"polyarb/internal/config"
	"polyarb/pkg/types"
)

// Client is the Polymarket CLOB + Gamma REST API client.
// It wraps resty HTTP clients with rate limiting, retry, and auth.
type Client struct {
	http   *resty.Client // CLOB HTTP client with retry + base URL
	gamma  *resty.Client // Gamma API client (market discovery, public)
	auth   *Auth         // L1/L2 auth provider for request signing
	rl     *RateLimiter  // per-endpoint-category rate limiting
	dryRun bool          // when true, mutating methods return fake success without HTTP calls
	logger *slog.Logger
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	newResty := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(baseURL).
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
	}

	return &Client{
		http:   newResty(cfg.API.CLOBBaseURL),
		gamma:  newResty(cfg.API.GammaBaseURL),
		auth:   auth,
		rl:     NewRateLimiter(),
		dryRun: cfg.DryRun,
		logger: logger,
	}
}

// GetOrderBook fetches the order book for a single token.
func (c *Client) GetOrderBook(ctx context.Context, tokenID string) (*types.BookResponse, error) {
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

// FindMarkets discovers slot-aligned 15-minute markets for asset, optionally
// filtered to those whose start time matches slotTS (unix seconds); pass 0
// to return every active market currently known for the asset. The result
// is the MarketFinder's only exchange dependency.
func (c *Client) FindMarkets(ctx context.Context, asset string, slotTS int64) ([]types.GammaMarket, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var raw []types.GammaMarket
	req := c.gamma.R().
		SetContext(ctx).
		SetQueryParam("active", "true").
		SetQueryParam("closed", "false").
		SetQueryParam("tag", asset).
		SetResult(&raw)

	resp, err := req.Get("/markets")
	if err != nil {
		return nil, fmt.Errorf("find markets: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("find markets: status %d: %s", resp.StatusCode(), resp.String())
	}

	if slotTS == 0 {
		return raw, nil
	}

	filtered := raw[:0]
	for _, m := range raw {
		start, err := time.Parse(time.RFC3339, m.StartDateISO)
		if err != nil {
			continue
		}
		if start.Unix() == slotTS {
			filtered = append(filtered, m)
		}
	}
	return filtered, nil
}

// GetBalance fetches the available USDC collateral balance for the funder
// wallet, used by the Sizer to compute balance_sizing_pct-based budgets.
func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		// A generous fixed balance keeps dry-run sizing exercising the same
		// code path as live trading without touching the network.
		return decimal.NewFromInt(1000), nil
	}
	if err := c.rl.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	headers, err := c.auth.L2Headers("GET", "/balance-allowance", "")
	if err != nil {
		return decimal.Zero, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.BalanceResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get("/balance-allowance")
	if err != nil {
		return decimal.Zero, fmt.Errorf("get balance: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, fmt.Errorf("get balance: status %d: %s", resp.StatusCode(), resp.String())
	}

	raw, err := decimal.NewFromString(result.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw.Div(decimal.New(1, 6)), nil
}

// buildOrderPayload converts a high-level UserOrder into the on-chain
// SignedOrder + metadata the REST API expects. It converts the exact
// decimal price/size to big.Int maker/taker amounts at the market's tick
// precision, sets the maker to the funder wallet (proxy), the signer to
// the EOA, and the taker to the zero address (open order, anyone can fill).
func (c *Client) buildOrderPayload(order types.UserOrder) types.OrderPayload {
	tickSize := order.TickSize
	if tickSize == "" {
		tickSize = types.Tick001
	}
	makerAmt, takerAmt := PriceToAmounts(order.Price, order.Size, order.Side, tickSize)

	orderType := order.OrderType
	if orderType == "" {
		orderType = types.OrderTypeFOK
	}

	return types.OrderPayload{
		Order: types.SignedOrder{
			Maker:         c.auth.FunderAddress().Hex(),
			Signer:        c.auth.Address().Hex(),
			Taker:         "0x0000000000000000000000000000000000000000",
			TokenID:       order.TokenID,
			MakerAmount:   makerAmt,
			TakerAmount:   takerAmt,
			Side:          order.Side,
			Expiration:    fmt.Sprintf("%d", order.Expiration),
			Nonce:         "0",
			FeeRateBps:    fmt.Sprintf("%d", order.FeeRateBps),
			SignatureType: c.auth.sigType,
		},
		Owner:     c.auth.creds.ApiKey,
		OrderType: orderType,
	}
}

// PostOrders places up to 15 orders in a batch.
func (c *Client) PostOrders(ctx context.Context, orders []types.UserOrder, negRisk bool) ([]types.OrderResponse, error) {
	if len(orders) == 0 {
		return nil, nil
	}
	if len(orders) > 15 {
		return nil, fmt.Errorf("batch limit is 15 orders, got %d", len(orders))
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would post orders", "count", len(orders))
		results := make([]types.OrderResponse, len(orders))
		for i := range orders {
			results[i] = types.OrderResponse{Success: true, OrderID: fmt.Sprintf("dry-run-%d", i), Status: "matched"}
		}
		return results, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return nil, err
	}

	payloads := make([]types.OrderPayload, len(orders))
	for i, order := range orders {
		payloads[i] = c.buildOrderPayload(order)
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

// PlaceOrder places a single order and converts the exchange's raw
// response into a LegResult the Executor can classify directly. Any error
// returned by the client itself (network, timeout, marshal failure) is
// folded into LegException rather than propagated — a leg's submission
// must never escape as an error, so the joint await always resolves.
//
// Under FOK a LIVE status should never occur; if the exchange ever
// reports one, PlaceOrder cancels it immediately and reports LegFailed so
// callers never have to special-case LIVE themselves.
func (c *Client) PlaceOrder(ctx context.Context, order types.UserOrder) types.LegResult {
	results, err := c.PostOrders(ctx, []types.UserOrder{order}, false)
	if err != nil {
		return types.LegResult{TokenID: order.TokenID, Status: types.LegException, Err: err}
	}
	if len(results) == 0 {
		return types.LegResult{TokenID: order.TokenID, Status: types.LegException, Err: fmt.Errorf("empty order response")}
	}

	resp := results[0]
	if !resp.Success {
		return types.LegResult{
			TokenID: order.TokenID,
			Status:  types.LegFailed,
			OrderID: resp.OrderID,
			Err:     fmt.Errorf("order rejected: %s", resp.ErrorMsg),
		}
	}

	switch resp.Status {
	case "matched":
		return types.LegResult{
			TokenID:   order.TokenID,
			Status:    types.LegMatched,
			OrderID:   resp.OrderID,
			FilledQty: order.Size,
			Price:     order.Price,
		}
	case "live":
		c.logger.Error("FOK order reported live, cancelling", "order_id", resp.OrderID, "token_id", order.TokenID)
		if _, cancelErr := c.CancelOrders(ctx, []string{resp.OrderID}); cancelErr != nil {
			c.logger.Error("failed to cancel anomalous live FOK order", "order_id", resp.OrderID, "error", cancelErr)
		}
		return types.LegResult{
			TokenID: order.TokenID,
			Status:  types.LegFailed,
			OrderID: resp.OrderID,
			Err:     fmt.Errorf("FOK order unexpectedly live, cancelled"),
		}
	default:
		return types.LegResult{
			TokenID: order.TokenID,
			Status:  types.LegFailed,
			OrderID: resp.OrderID,
			Err:     fmt.Errorf("unmatched order status %q", resp.Status),
		}
	}
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

// CancelAll cancels every open order across all markets.
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

// CancelMarketOrders cancels all orders for a specific market.
func (c *Client) CancelMarketOrders(ctx context.Context, conditionID string) (*types.CancelResponse, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel market orders", "market", conditionID)
		return &types.CancelResponse{}, nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return nil, err
	}

	body := fmt.Sprintf(`{"market":"%s"}`, conditionID)
	headers, err := c.auth.L2Headers("DELETE", "/cancel-market-orders", body)
	if err != nil {
		return nil, fmt.Errorf("l2 headers: %w", err)
	}

	var result types.CancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/cancel-market-orders")
	if err != nil {
		return nil, fmt.Errorf("cancel market orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("cancel market orders: status %d: %s", resp.StatusCode(), resp.String())
	}
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
