package immortan

import (
	"context"
	"testing"

	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

func (c *processorTestContext) addInvoice(preimage lntypes.Preimage,
	amt *lnwire.MilliSatoshi) {

	c.db.payments[preimage.Hash()] = &persistence.Payment{
		Hash:       preimage.Hash(),
		Preimage:   preimage,
		IsIncoming: true,
		AmountMsat: amt,
		Status:     persistence.PaymentStatusPending,
	}
}

func msat(amt lnwire.MilliSatoshi) *lnwire.MilliSatoshi {
	return &amt
}

// A single htlc matching a known invoice amount is settled right away.
func TestLocalSingleHtlc(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{1}
	tag := localTag(preimage)
	c.addInvoice(preimage, msat(1000))

	p, err := newLocalProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := localAdd(tag, 1, 1000, 1000, testHeight+200)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*revealed)
	require.True(t, ok)
	require.Equal(t, preimage, outcome.preimage)

	require.Len(t, c.bus.fulfills, 1)
	require.Empty(t, c.bus.fails)
	require.Equal(t, preimage, c.bus.fulfills[0].Preimage)
	require.Equal(t, add.CircuitKey, c.bus.fulfills[0].Key)

	// Persistence happened before the commands.
	require.Equal(t, persistence.PaymentStatusSucceeded,
		c.db.payments[tag.Hash].Status)
	require.Equal(t, lnwire.MilliSatoshi(1000),
		c.db.payments[tag.Hash].ReceivedMsat)
	require.Equal(t, preimage, c.db.preimages[tag.Hash])

	// A later snapshot still showing the htlc re-emits the fulfill.
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))
	require.Len(t, c.bus.fulfills, 2)

	// Once nothing remains for the tag, the processor shuts down.
	require.NoError(t, p.handle(ctx, snapshotOf(tag)))
	require.Equal(t, stateShutdown, p.state)
	require.Equal(t, []types.FullPaymentTag{tag}, c.removed)
}

// An incomplete set times out and every part is failed with a payment
// timeout.
func TestLocalMppTimeout(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{2}
	tag := localTag(preimage)
	c.addInvoice(preimage, msat(1000))

	p, err := newLocalProcessor(tag, c.cfg)
	require.NoError(t, err)

	add1 := localAdd(tag, 1, 400, 1000, testHeight+200)
	add2 := localAdd(tag, 2, 300, 1000, testHeight+200)

	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add1)))
	require.NoError(t, p.handle(ctx, &htlcArrived{htlc: add1}))
	require.NoError(t, p.handle(ctx,
		snapshotOf().withIncoming(add1, add2)))
	require.NoError(t, p.handle(ctx, &htlcArrived{htlc: add2}))

	// Still collecting.
	require.Equal(t, stateReceiving, p.state)
	require.Empty(t, c.bus.fails)

	require.NoError(t, p.handle(ctx, cmdTimeout{}))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*aborted)
	require.True(t, ok)
	require.IsType(t, &lnwire.FailMPPTimeout{}, outcome.failure)

	require.Empty(t, c.bus.fulfills)
	require.Len(t, c.bus.fails, 2)
	require.IsType(t, &lnwire.FailMPPTimeout{}, c.bus.fails[0].Failure)

	// The next snapshot re-emits the fails.
	require.NoError(t, p.handle(ctx,
		snapshotOf().withIncoming(add1, add2)))
	require.Len(t, c.bus.fails, 4)
}

// An htlc expiring too close to the chain tip is rejected outright.
func TestLocalExpiryTooSoon(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{3}
	tag := localTag(preimage)
	c.addInvoice(preimage, msat(1000))

	p, err := newLocalProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := localAdd(tag, 1, 1000, 1000, testHeight+3)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*aborted)
	require.True(t, ok)
	require.Nil(t, outcome.failure)

	require.Empty(t, c.bus.fulfills)
	require.Len(t, c.bus.fails, 1)
	require.IsType(t, &lnwire.FailIncorrectDetails{}, c.bus.fails[0].Failure)
}

// Without any invoice metadata and without a known preimage the set is
// rejected immediately.
func TestLocalUnknownInvoice(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{4}
	tag := localTag(preimage)

	p, err := newLocalProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := localAdd(tag, 1, 1000, 1000, testHeight+200)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.Equal(t, stateFinalizing, p.state)
	require.Len(t, c.bus.fails, 1)
	require.IsType(t, &lnwire.FailIncorrectDetails{}, c.bus.fails[0].Failure)
}

// An amount-less invoice settles once the set covers the total advertised by
// the sender, but only after the receive grace expired.
func TestLocalAmountlessInvoice(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{5}
	tag := localTag(preimage)
	c.addInvoice(preimage, nil)

	p, err := newLocalProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := localAdd(tag, 1, 700, 700, testHeight+200)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	// No fixed amount to compare against: wait for the grace period.
	require.Equal(t, stateReceiving, p.state)

	require.NoError(t, p.handle(ctx, cmdTimeout{}))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*revealed)
	require.True(t, ok)
	require.Equal(t, preimage, outcome.preimage)
	require.Len(t, c.bus.fulfills, 1)
}

// A processor whose tag vanished from the snapshot deregisters itself.
func TestLocalShutdown(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{6}
	tag := localTag(preimage)

	p, err := newLocalProcessor(tag, c.cfg)
	require.NoError(t, err)

	require.NoError(t, p.handle(ctx, snapshotOf()))

	require.Equal(t, stateShutdown, p.state)
	require.Equal(t, []types.FullPaymentTag{tag}, c.removed)
}
