package orderlifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"arb-engine/internal/venue"
	"arb-engine/pkg/types"
)

type fakeClient struct {
	placeHash string
	placeErr  error

	statuses []venue.StatusResult // consumed in order, last repeats
	statusI  int

	cancelAck venue.CancelAck
	cancelErr error
}

func (f *fakeClient) PlaceOrder(ctx context.Context, order venue.OrderSpec) (string, error) {
	return f.placeHash, f.placeErr
}

func (f *fakeClient) GetOrderStatus(ctx context.Context, orderHash string) (venue.StatusResult, error) {
	i := f.statusI
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.statusI++
	return f.statuses[i], nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, orderHash string) (venue.CancelAck, error) {
	return f.cancelAck, f.cancelErr
}

func (f *fakeClient) GetOrderBook(ctx context.Context, marketOrAsset string) (venue.BidAsk, error) {
	return venue.BidAsk{}, nil
}

func (f *fakeClient) GetTokenID(ctx context.Context, marketID string, side types.Side) (string, error) {
	return "", nil
}

func TestPlaceAndPoll(t *testing.T) {
	client := &fakeClient{
		placeHash: "0xabc",
		statuses: []venue.StatusResult{
			{Status: venue.OrderOpen, FilledQty: 0},
			{Status: venue.OrderPartiallyFilled, FilledQty: 3},
			{Status: venue.OrderFilled, FilledQty: 10},
		},
	}
	lc := New(client)

	hash, err := lc.Place(context.Background(), venue.OrderSpec{})
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
	require.True(t, lc.IsOpenOrUnknown())

	res, err := lc.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, venue.OrderOpen, res.Status)

	res, err = lc.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, venue.OrderPartiallyFilled, res.Status)

	res, err = lc.Poll(context.Background())
	require.NoError(t, err)
	require.Equal(t, venue.OrderFilled, res.Status)
	require.False(t, lc.IsOpenOrUnknown())
}

func TestReconcileAfterCancelFoldsRaceFill(t *testing.T) {
	client := &fakeClient{placeHash: "0xdead"}
	lc := New(client)
	_, err := lc.Place(context.Background(), venue.OrderSpec{})
	require.NoError(t, err)

	// Cancel races a fill: venue reports FILLED despite the cancel request.
	polled := false
	pollOnce := func(ctx context.Context) (venue.StatusResult, error) {
		polled = true
		return venue.StatusResult{Status: venue.OrderFilled, FilledQty: 10}, nil
	}

	res, err := lc.ReconcileAfterCancel(context.Background(), pollOnce)
	require.NoError(t, err)
	require.True(t, polled)
	require.Equal(t, venue.OrderFilled, res.Status)
	require.False(t, lc.IsOpenOrUnknown())
}

func TestReconcileAfterCancelErrorsIfNotTerminal(t *testing.T) {
	client := &fakeClient{placeHash: "0xdead"}
	lc := New(client)
	_, err := lc.Place(context.Background(), venue.OrderSpec{})
	require.NoError(t, err)

	pollOnce := func(ctx context.Context) (venue.StatusResult, error) {
		return venue.StatusResult{Status: venue.OrderOpen}, nil
	}

	_, err = lc.ReconcileAfterCancel(context.Background(), pollOnce)
	require.Error(t, err)
}

func TestCancelWithNoOrderIsNoop(t *testing.T) {
	lc := New(&fakeClient{})
	ack, err := lc.Cancel(context.Background())
	require.NoError(t, err)
	require.True(t, ack.OK)
}
