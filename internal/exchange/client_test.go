package exchange

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"testing"

	"arb-engine/internal/config"
	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newDryRunClient() *Client {
	return &Client{
		label:  "primary",
		dryRun: true,
		rl:     NewRateLimiter(),
		auth:   &Auth{},
		logger: testLogger(),
	}
}

func testAuth(t *testing.T) *Auth {
	t.Helper()
	auth, err := NewAuth(config.VenueConfig{
		Label: "primary",
		Wallet: config.WalletConfig{
			PrivateKey:    "0x1111111111111111111111111111111111111111111111111111111111111111",
			ChainID:       137,
			SignatureType: 0,
		},
		API: config.APIConfig{
			CLOBBaseURL: "http://localhost",
			ApiKey:      "test-key",
			Secret:      "test-secret",
			Passphrase:  "test-pass",
		},
	})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth
}

func TestDryRunPlaceOrder(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	hash, err := c.PlaceOrder(context.Background(), venue.OrderSpec{
		MarketOrAsset: "12345678901234567890",
		Side:          types.BUY,
		Price:         0.50,
		Size:          10,
		TickSize:      0.01,
		FeeRateBps:    200,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if hash == "" {
		t.Error("expected non-empty order hash")
	}
}

func TestDryRunCancelOrders(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelOrders(context.Background(), []string{"order-1", "order-2"})
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if len(resp.Canceled) != 2 {
		t.Errorf("expected 2 canceled, got %d", len(resp.Canceled))
	}
}

func TestDryRunCancelOrdersEmpty(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelOrders(context.Background(), nil)
	if err != nil {
		t.Fatalf("CancelOrders: %v", err)
	}
	if len(resp.Canceled) != 0 {
		t.Errorf("expected 0 canceled, got %d", len(resp.Canceled))
	}
}

func TestDryRunCancelAll(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	resp, err := c.CancelAll(context.Background())
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if resp == nil {
		t.Fatal("expected non-nil response")
	}
}

func TestDryRunCancelOrderSatisfiesVenueClient(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	// dryRun CancelOrders echoes back the requested ID as canceled, so the
	// single-order CancelOrder should report OK.
	ack, err := c.CancelOrder(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ack.OK {
		t.Errorf("expected ack.OK = true, got false (%s)", ack.Reason)
	}
}

func TestNewClientDryRunFromConfig(t *testing.T) {
	t.Parallel()

	v := config.VenueConfig{Label: "primary", API: config.APIConfig{CLOBBaseURL: "http://localhost"}}
	auth := &Auth{}
	c := NewClient(v, true, auth, testLogger())

	if !c.dryRun {
		t.Error("client.dryRun should be true when dryRun is passed true")
	}
	if c.label != "primary" {
		t.Errorf("label = %q, want primary", c.label)
	}
}

func TestBuildOrderPayloadSignsOrder(t *testing.T) {
	t.Parallel()
	auth := testAuth(t)
	c := NewClient(config.VenueConfig{Label: "primary", API: config.APIConfig{CLOBBaseURL: "http://localhost"}}, false, auth, testLogger())

	payload, err := c.buildOrderPayload(venue.OrderSpec{
		MarketOrAsset: "12345678901234567890",
		Side:          types.BUY,
		Price:         0.55,
		Size:          10,
		TickSize:      0.01,
		FeeRateBps:    200,
	})
	if err != nil {
		t.Fatalf("buildOrderPayload: %v", err)
	}

	if payload.Order.Signature == "" || !strings.HasPrefix(payload.Order.Signature, "0x") {
		t.Fatalf("signature = %q, want non-empty 0x-prefixed signature", payload.Order.Signature)
	}
	if payload.Order.Salt == "" || payload.Order.Salt == "0" {
		t.Fatalf("salt = %q, want non-zero", payload.Order.Salt)
	}
	if payload.Order.Nonce != "0" {
		t.Fatalf("nonce = %q, want 0", payload.Order.Nonce)
	}
	if payload.Owner != "test-key" {
		t.Fatalf("owner = %q, want test-key", payload.Owner)
	}
}

func TestBuildOrderPayloadRejectsInvalidTokenID(t *testing.T) {
	t.Parallel()
	auth := testAuth(t)
	c := NewClient(config.VenueConfig{Label: "primary", API: config.APIConfig{CLOBBaseURL: "http://localhost"}}, false, auth, testLogger())

	_, err := c.buildOrderPayload(venue.OrderSpec{
		MarketOrAsset: "not-a-number",
		Side:          types.BUY,
		Price:         0.50,
		Size:          1,
		TickSize:      0.01,
	})
	if err == nil {
		t.Fatal("expected error for invalid token ID")
	}
}

func TestGetOrderStatusDryRunReportsFilled(t *testing.T) {
	t.Parallel()
	c := newDryRunClient()

	res, err := c.GetOrderStatus(context.Background(), "0xhash")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if res.Status != venue.OrderFilled {
		t.Errorf("status = %v, want OrderFilled", res.Status)
	}
}

func TestMapOrderStatusDisambiguatesLiveFromFilled(t *testing.T) {
	t.Parallel()

	if got := mapOrderStatus("live", 0, 10); got != venue.OrderOpen {
		t.Errorf("live/0-filled = %v, want OrderOpen", got)
	}
	if got := mapOrderStatus("live", 4, 10); got != venue.OrderPartiallyFilled {
		t.Errorf("live/partial = %v, want OrderPartiallyFilled", got)
	}
	if got := mapOrderStatus("matched", 10, 10); got != venue.OrderFilled {
		t.Errorf("matched = %v, want OrderFilled", got)
	}
	if got := mapOrderStatus("canceled", 0, 10); got != venue.OrderCancelled {
		t.Errorf("canceled = %v, want OrderCancelled", got)
	}
}
