package immortan

import (
	"context"
	"testing"

	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"github.com/stretchr/testify/require"
)

var testOutgoingNode = common.PubKey{2, 3, 4}

func trampolineAdd(tag types.FullPaymentTag, htlcID uint64,
	amt, total, amtFwd lnwire.MilliSatoshi, expiry,
	outgoingCltv uint32) *TrampolineHtlc {

	return &TrampolineHtlc{
		htlcBase: htlcBase{
			Tag:        tag,
			CircuitKey: types.CircuitKey{ChanID: 2, HtlcID: htlcID},
			AmountMsat: amt,
			CltvExpiry: expiry,
		},
		Outer: OuterPayload{TotalMsat: total},
		Inner: InnerPayload{
			AmtToForward: amtFwd,
			OutgoingCltv: outgoingCltv,
			OutgoingNode: testOutgoingNode,
		},
		NextOnion: []byte{0x02, 0xee},
	}
}

// The happy path: a covered set passes validation, a send is dispatched and
// the downstream fulfill settles the incoming set.
func TestTrampolineRelay(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{10}
	tag := trampolineTag(preimage)

	p, err := newTrampolineProcessor(tag, c.cfg)
	require.NoError(t, err)

	// Construction binds a sender and registers for its events.
	require.Equal(t, []types.FullPaymentTag{tag}, c.sender.created)
	require.Len(t, c.sender.listeners, 1)

	add := trampolineAdd(
		tag, 1, 100_000, 100_000, 95_000,
		testHeight+250, testHeight+100,
	)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.Equal(t, stateSending, p.state)
	data, ok := p.sending.(*sendingProcessing)
	require.True(t, ok)
	require.Equal(t, testOutgoingNode, data.finalNode)

	require.Len(t, c.sender.sends, 1)
	req := c.sender.sends[0]
	require.Equal(t, testOutgoingNode, req.Destination)
	require.Equal(t, lnwire.MilliSatoshi(95_000), req.ActualTotalMsat)

	// relay fee = 1000 base + 100 proportional.
	require.Equal(t, lnwire.MilliSatoshi(100_000-95_000-1100),
		req.FeeReserveMsat)
	require.Equal(t, uint32(250-100-40), req.MaxCltvBudget)

	// Trampoline-to-trampoline: the inner onion travels on and the outer
	// secret is freshly generated.
	require.Equal(t, add.NextOnion, req.TrampolineOnion)
	require.NotEqual(t, [32]byte{}, req.PaymentSecret)
	require.Empty(t, req.AssistedEdges)

	// No upstream commands before the downstream outcome.
	require.Empty(t, c.bus.fulfills)
	require.Empty(t, c.bus.fails)

	c.sender.usedFee = 500

	require.NoError(t, p.handle(ctx, &RemoteFulfill{
		Hash:     tag.Hash,
		Preimage: preimage,
	}))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*revealed)
	require.True(t, ok)
	require.Equal(t, preimage, outcome.preimage)

	require.Len(t, c.bus.fulfills, 1)
	require.Equal(t, preimage, c.bus.fulfills[0].Preimage)

	// Preimage and relayed record persisted before the fulfill.
	require.Equal(t, preimage, c.db.preimages[tag.Hash])
	record := c.db.relayed[tag.Hash]
	require.Equal(t, lnwire.MilliSatoshi(95_000), record.forwarded)
	require.Equal(t, lnwire.MilliSatoshi(100_000-95_000-500),
		record.finalFee)

	// Empty snapshot: deregister everywhere.
	require.NoError(t, p.handle(ctx, snapshotOf(tag)))
	require.Equal(t, stateShutdown, p.state)
	require.Equal(t, []types.FullPaymentTag{tag}, c.sender.removed)
	require.Empty(t, c.sender.listeners)
	require.Equal(t, []types.FullPaymentTag{tag}, c.removed)
}

// A set that does not pay the relay fee is rejected without dispatching a
// send.
func TestTrampolineFeeInsufficient(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{11}
	tag := trampolineTag(preimage)

	p, err := newTrampolineProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := trampolineAdd(
		tag, 1, 100_000, 100_000, 99_900,
		testHeight+250, testHeight+100,
	)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*aborted)
	require.True(t, ok)
	require.IsType(t, &FailTrampolineFeeInsufficient{}, outcome.failure)

	require.Empty(t, c.sender.sends)
	require.Len(t, c.bus.fails, 1)
	require.IsType(t, &FailTrampolineFeeInsufficient{},
		c.bus.fails[0].Failure)
}

// Outgoing parts that survived a restart are stopped first and the relay is
// retried from scratch when they have settled.
func TestTrampolineRestartRecovery(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{12}
	tag := trampolineTag(preimage)

	p, err := newTrampolineProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := trampolineAdd(
		tag, 1, 100_000, 100_000, 95_000,
		testHeight+250, testHeight+100,
	)

	// Covered incoming set plus leftover outgoing parts.
	require.NoError(t, p.handle(ctx, snapshotOf().
		withIncoming(add).
		withOutgoing(tag, OutgoingAttempt{AttemptID: 7, AmountMsat: 95_000})))

	require.Equal(t, stateSending, p.state)
	data, ok := p.sending.(*sendingStopping)
	require.True(t, ok)
	require.True(t, data.retry)
	require.Empty(t, c.sender.sends)

	// The leftovers have fully failed: back to receiving.
	require.NoError(t, p.handle(ctx, &OutgoingFailed{Tag: tag}))

	require.Equal(t, stateReceiving, p.state)

	// A fresh snapshot without outgoing parts triggers the normal send.
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.Equal(t, stateSending, p.state)
	_, ok = p.sending.(*sendingProcessing)
	require.True(t, ok)
	require.Len(t, c.sender.sends, 1)
}

// Without retry, a fully-failed send aborts with the failure selected from
// the attempts, never matching the unknown final node.
func TestTrampolineAbortNoRetry(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{13}
	tag := trampolineTag(preimage)

	p, err := newTrampolineProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := trampolineAdd(
		tag, 1, 60_000, 100_000, 95_000,
		testHeight+250, testHeight+100,
	)

	// Uncovered incoming set with outgoing parts: stop without retry.
	require.NoError(t, p.handle(ctx, snapshotOf().
		withIncoming(add).
		withOutgoing(tag, OutgoingAttempt{AttemptID: 3, AmountMsat: 95_000})))

	data, ok := p.sending.(*sendingStopping)
	require.True(t, ok)
	require.False(t, data.retry)

	require.NoError(t, p.handle(ctx, &OutgoingFailed{
		Tag: tag,
		Failures: []SendFailure{
			&LocalFailure{NoRouteFound: true},
		},
	}))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*aborted)
	require.True(t, ok)
	require.IsType(t, &FailTrampolineFeeInsufficient{}, outcome.failure)

	require.Len(t, c.bus.fails, 1)
}

// A downstream fulfill persists the relayed record and claims the incoming
// set; later snapshots that still show parts are fulfilled again.
func TestTrampolineRevealRefulfills(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{14}
	tag := trampolineTag(preimage)

	p, err := newTrampolineProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := trampolineAdd(
		tag, 1, 100_000, 100_000, 95_000,
		testHeight+250, testHeight+100,
	)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))

	require.NoError(t, p.handle(ctx, &RemoteFulfill{
		Hash:     tag.Hash,
		Preimage: preimage,
	}))

	require.Equal(t, stateFinalizing, p.state)
	require.Contains(t, c.db.relayed, tag.Hash)

	// Fulfills keep flowing for later snapshots that still show parts.
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))
	require.Len(t, c.bus.fulfills, 2)
}

// A receive timeout while collecting aborts the set with a payment timeout.
func TestTrampolineReceiveTimeout(t *testing.T) {
	c := newProcessorTestContext(t)
	ctx := context.Background()

	preimage := lntypes.Preimage{15}
	tag := trampolineTag(preimage)

	p, err := newTrampolineProcessor(tag, c.cfg)
	require.NoError(t, err)

	add := trampolineAdd(
		tag, 1, 60_000, 100_000, 95_000,
		testHeight+250, testHeight+100,
	)
	require.NoError(t, p.handle(ctx, snapshotOf().withIncoming(add)))
	require.Equal(t, stateReceiving, p.state)

	require.NoError(t, p.handle(ctx, cmdTimeout{}))

	require.Equal(t, stateFinalizing, p.state)
	outcome, ok := p.outcome.(*aborted)
	require.True(t, ok)
	require.IsType(t, &lnwire.FailMPPTimeout{}, outcome.failure)
	require.Len(t, c.bus.fails, 1)
}
