package immortan

import (
	"context"
	"fmt"

	"github.com/BTCparadigm/IMMORTAN/persistence"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// localProcessor decides fulfill or fail for a payment terminating at this
// node. It collects the parts of the mpp set from snapshots, matches them
// against the stored invoice and either reveals the preimage or rejects all
// parts.
type localProcessor struct {
	processorBase

	cfg *processorConfig

	// outcome is nil while undecided. In finalizing state a nil outcome
	// means the receive grace expired and the next snapshot decides.
	outcome interface{}

	// lastSnapshot is replayed after internal transitions so that the new
	// state immediately observes the current htlc set.
	lastSnapshot *InFlightPayments
}

func newLocalProcessor(tag types.FullPaymentTag,
	cfg *processorConfig) (*localProcessor, error) {

	if tag.Kind != types.FinalIncoming {
		return nil, fmt.Errorf("local processor for %v tag", tag.Kind)
	}

	return &localProcessor{
		processorBase: newProcessorBase(tag, cfg, cfg.logger),
		cfg:           cfg,
	}, nil
}

func (p *localProcessor) run(ctx context.Context) error {
	return p.runLoop(ctx, p.handle)
}

func (p *localProcessor) handle(ctx context.Context,
	event interface{}) error {

	switch e := event.(type) {
	case *InFlightPayments:
		p.lastSnapshot = e

		return p.handleSnapshot(ctx, e)

	case *htlcArrived:
		// A new part arrived: give the remaining parts another full
		// grace interval.
		if p.state == stateReceiving {
			p.timeout.replaceWork(cmdTimeout{})
		}

		return nil

	case cmdTimeout:
		if p.state != stateReceiving {
			return nil
		}

		p.logger.Debugw("Receive grace expired")

		p.state = stateFinalizing
		p.outcome = nil

		return p.reprocess(ctx)

	default:
		return fmt.Errorf("unknown event type %T", event)
	}
}

// reprocess replays the most recent snapshot after a state transition.
func (p *localProcessor) reprocess(ctx context.Context) error {
	if p.lastSnapshot == nil {
		return nil
	}

	return p.handleSnapshot(ctx, p.lastSnapshot)
}

func (p *localProcessor) handleSnapshot(ctx context.Context,
	snapshot *InFlightPayments) error {

	adds := snapshot.localAdds(p.tag)

	// No unresolved htlcs remain for this payment: the decision, if any,
	// has been fully applied and the processor can go away.
	if len(adds) == 0 {
		p.shutdown()

		return nil
	}

	switch p.state {
	case stateReceiving:
		return p.resolve(ctx, adds)

	case stateFinalizing:
		switch outcome := p.outcome.(type) {
		case nil:
			return p.finalize(ctx, adds)

		case *revealed:
			// Keep claiming: the channel layer is idempotent
			// under duplicate fulfills.
			p.fulfillAll(outcome.preimage, adds)

			return nil

		case *aborted:
			p.failAll(outcome.failure, adds)

			return nil

		default:
			return fmt.Errorf("unknown outcome type %T", p.outcome)
		}

	default:
		return fmt.Errorf("snapshot in state %v", p.state)
	}
}

// resolve decides what to do with the set collected so far while the receive
// grace is still running.
func (p *localProcessor) resolve(ctx context.Context,
	adds []*LocalHtlc) error {

	preimage, havePreimage, err := p.cfg.store.preimage(ctx, p.tag.Hash)
	if err != nil {
		return err
	}

	info, haveInfo, err := p.cfg.store.paymentInfo(ctx, p.tag.Hash)
	if err != nil {
		return err
	}

	switch {
	// Without invoice metadata we can only settle if the preimage is
	// independently known.
	case !haveInfo && havePreimage:
		return p.becomeRevealed(ctx, preimage, adds)

	case !haveInfo:
		p.becomeAborted(nil, adds)

		return nil

	// The invoice was already paid before. Settle replayed parts again
	// with the stored preimage.
	case info.IsIncoming &&
		info.Status == persistence.PaymentStatusSucceeded:

		return p.becomeRevealed(ctx, info.Preimage, adds)

	// A part expiring too close to the chain tip can no longer safely be
	// settled as an exit hop.
	case p.expiresTooSoon(adds):
		p.becomeAborted(nil, adds)

		return nil

	case info.IsIncoming && info.AmountMsat != nil &&
		sumAmounts(adds) >= *info.AmountMsat:

		return p.becomeRevealed(ctx, info.Preimage, adds)

	default:
		// Not enough parts yet. Wait for the rest of the set or the
		// receive grace expiry.
		return nil
	}
}

// finalize makes the last-chance decision after the receive grace expired.
func (p *localProcessor) finalize(ctx context.Context,
	adds []*LocalHtlc) error {

	preimage, havePreimage, err := p.cfg.store.preimage(ctx, p.tag.Hash)
	if err != nil {
		return err
	}

	info, haveInfo, err := p.cfg.store.paymentInfo(ctx, p.tag.Hash)
	if err != nil {
		return err
	}

	totalReceived := sumAmounts(adds)

	switch {
	case haveInfo && info.IsIncoming &&
		info.Status == persistence.PaymentStatusSucceeded:

		return p.becomeRevealed(ctx, info.Preimage, adds)

	case haveInfo && info.IsIncoming && info.AmountMsat != nil &&
		totalReceived >= *info.AmountMsat:

		return p.becomeRevealed(ctx, info.Preimage, adds)

	// For an amount-less invoice any set covering the total advertised by
	// the sender is acceptable.
	case haveInfo && info.IsIncoming && info.AmountMsat == nil &&
		totalReceived >= adds[0].TotalMsat:

		return p.becomeRevealed(ctx, info.Preimage, adds)

	// A preimage that became known through another channel still rescues
	// the payment.
	case havePreimage:
		return p.becomeRevealed(ctx, preimage, adds)

	default:
		p.becomeAborted(&lnwire.FailMPPTimeout{}, adds)

		return nil
	}
}

func (p *localProcessor) expiresTooSoon(adds []*LocalHtlc) bool {
	height := p.cfg.height.CurrentHeight()
	for _, add := range adds {
		if add.CltvExpiry < height+p.cfg.finalCltvRejectDelta {
			return true
		}
	}

	return false
}

// becomeRevealed persists the success, then transitions to the revealed
// terminal and claims every part. Persistence strictly precedes command
// emission so that a crash in between is recoverable. A missing payment row
// is tolerated, because a preimage may be known without an invoice; any other
// persistence error is fatal: emitting fulfills without a stored preimage
// risks losing the preimage on restart.
func (p *localProcessor) becomeRevealed(ctx context.Context,
	preimage lntypes.Preimage, adds []*LocalHtlc) error {

	received := sumAmounts(adds)

	htlcs := make(map[types.CircuitKey]int64)
	for _, add := range adds {
		htlcs[add.CircuitKey] = int64(add.AmountMsat)
	}

	err := p.cfg.store.markIncomingSucceeded(
		ctx, p.tag.Hash, received, htlcs,
	)
	if err != nil && err != types.ErrPaymentNotFound {
		return err
	}

	err = p.cfg.store.storePreimage(ctx, p.tag.Hash, preimage)
	if err != nil {
		return err
	}

	p.logger.Infow("Incoming payment revealed",
		"receivedMsat", received, "parts", len(adds))

	p.state = stateFinalizing
	p.outcome = &revealed{preimage: preimage}

	p.fulfillAll(preimage, adds)

	return nil
}

func (p *localProcessor) becomeAborted(failure lnwire.FailureMessage,
	adds []*LocalHtlc) {

	p.logger.Infow("Incoming payment aborted", "failure", failure)

	p.state = stateFinalizing
	p.outcome = &aborted{failure: failure}

	p.failAll(failure, adds)
}

func (p *localProcessor) fulfillAll(preimage lntypes.Preimage,
	adds []*LocalHtlc) {

	for _, add := range adds {
		p.cfg.bus.Fulfill(FulfillCommand{
			Key:      add.CircuitKey,
			Hash:     p.tag.Hash,
			Preimage: preimage,
		})
	}
}

func (p *localProcessor) failAll(failure lnwire.FailureMessage,
	adds []*LocalHtlc) {

	for _, add := range adds {
		failWith(p.cfg.bus, add, failure)
	}
}

func (p *localProcessor) shutdown() {
	p.logger.Debugw("Shutting down")

	p.cfg.unregister(p.tag)
	p.state = stateShutdown
}
