package immortan

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
)

// Sending-state data of a trampoline processor.
type (
	// sendingProcessing: an outgoing send is in flight toward finalNode.
	sendingProcessing struct {
		finalNode common.PubKey
	}

	// sendingStopping: outgoing parts from before a restart are being
	// failed. When retry is set the relay is re-attempted from scratch
	// once they have settled.
	sendingStopping struct {
		retry bool
	}

	// sendingRevealed: the downstream peer fulfilled an outgoing part.
	// The next snapshot claims the incoming set.
	sendingRevealed struct {
		preimage lntypes.Preimage
	}
)

// trampolineProcessor decides fulfill or fail for a payment routed through
// this node. Once the incoming set is covered it dispatches a correlated
// outgoing multipart payment and claims the incoming htlcs if and only if
// the downstream recipient reveals the preimage.
type trampolineProcessor struct {
	processorBase

	cfg *processorConfig

	// sending is the in-flight send data, set only in sending state.
	sending interface{}

	// outcome is the terminal data, set only in finalizing state.
	outcome interface{}

	lastSnapshot *InFlightPayments
}

func newTrampolineProcessor(tag types.FullPaymentTag,
	cfg *processorConfig) (*trampolineProcessor, error) {

	if tag.Kind != types.TrampolineRouted {
		return nil, fmt.Errorf("trampoline processor for %v tag",
			tag.Kind)
	}

	p := &trampolineProcessor{
		processorBase: newProcessorBase(tag, cfg, cfg.logger),
		cfg:           cfg,
	}

	// Bind an outgoing sender to this payment and start observing its
	// events before any part can settle.
	cfg.sender.CreateSender(tag)
	cfg.sender.AddListener(p)

	return p, nil
}

// DeliverSenderEvent enqueues a sender event on the processor's own input
// queue, preserving the single-threaded handling invariant.
//
// NOTE: Part of the SenderListener interface.
func (p *trampolineProcessor) DeliverSenderEvent(event interface{}) {
	p.deliver(event)
}

func (p *trampolineProcessor) run(ctx context.Context) error {
	return p.runLoop(ctx, p.handle)
}

func (p *trampolineProcessor) handle(ctx context.Context,
	event interface{}) error {

	switch e := event.(type) {
	case *InFlightPayments:
		p.lastSnapshot = e

		return p.handleSnapshot(ctx, e)

	case *htlcArrived:
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
		p.outcome = &aborted{failure: &lnwire.FailMPPTimeout{}}

		return p.reprocess(ctx)

	case *RemoteFulfill:
		return p.handleRemoteFulfill(ctx, e)

	case *OutgoingFailed:
		return p.handleOutgoingFailed(ctx, e)

	default:
		return fmt.Errorf("unknown event type %T", event)
	}
}

func (p *trampolineProcessor) reprocess(ctx context.Context) error {
	if p.lastSnapshot == nil {
		return nil
	}

	return p.handleSnapshot(ctx, p.lastSnapshot)
}

func (p *trampolineProcessor) handleRemoteFulfill(ctx context.Context,
	fulfill *RemoteFulfill) error {

	if fulfill.Hash != p.tag.Hash {
		return nil
	}

	// Terminal states are never left again; anywhere else the revealed
	// preimage takes over.
	if p.state == stateFinalizing || p.state == stateShutdown {
		return nil
	}

	p.logger.Infow("Downstream peer revealed preimage")

	p.state = stateSending
	p.sending = &sendingRevealed{preimage: fulfill.Preimage}

	return p.reprocess(ctx)
}

func (p *trampolineProcessor) handleOutgoingFailed(ctx context.Context,
	failed *OutgoingFailed) error {

	if failed.Tag != p.tag || p.state != stateSending {
		return nil
	}

	switch data := p.sending.(type) {
	case *sendingStopping:
		if data.retry {
			// The pre-restart outgoing parts have settled; start
			// over from the incoming set. The next snapshot, which
			// no longer contains them, takes the normal relay
			// path.
			p.logger.Infow("Stopped leftover send, retrying")

			p.state = stateReceiving
			p.sending = nil

			return nil
		}

		return p.abortFromFailures(ctx, failed.Failures,
			invalidNodeKey)

	case *sendingProcessing:
		return p.abortFromFailures(ctx, failed.Failures,
			data.finalNode)

	default:
		// A fully-failed send cannot follow a revealed part for the
		// same hash. Keep the preimage.
		p.logger.Warnw("Ignoring outgoing failure",
			"data", fmt.Sprintf("%T", p.sending))

		return nil
	}
}

func (p *trampolineProcessor) handleSnapshot(ctx context.Context,
	snapshot *InFlightPayments) error {

	ins := snapshot.trampolineAdds(p.tag)
	outs := snapshot.Outgoing[p.tag]

	switch p.state {
	case stateReceiving:
		return p.resolve(ctx, ins, outs)

	case stateSending:
		if data, ok := p.sending.(*sendingRevealed); ok {
			// Claim whatever is present. The set may be empty in
			// pathological recovery; the persisted record must
			// exist regardless.
			err := p.becomeRevealed(ctx, data.preimage, ins)
			if err != nil {
				return err
			}

			break
		}

		// Holding outgoing parts: never abort upstream, wait for the
		// sender's terminal event.
		if len(ins) == 0 && len(outs) == 0 {
			p.shutdown()
		}

		return nil

	case stateFinalizing:
		switch outcome := p.outcome.(type) {
		case *revealed:
			p.fulfillAll(outcome.preimage, ins)

		case *aborted:
			p.failAll(outcome.failure, ins)

		default:
			return fmt.Errorf("unknown outcome type %T", p.outcome)
		}

	default:
		return fmt.Errorf("snapshot in state %v", p.state)
	}

	// Nothing in flight anymore in either direction: the terminal
	// decision has been fully applied.
	if p.state == stateFinalizing && len(ins) == 0 && len(outs) == 0 {
		p.shutdown()
	}

	return nil
}

// resolve inspects the snapshot while no send is in flight.
func (p *trampolineProcessor) resolve(ctx context.Context,
	ins []*TrampolineHtlc, outs []OutgoingAttempt) error {

	preimage, havePreimage, err := p.cfg.store.preimage(ctx, p.tag.Hash)
	if err != nil {
		return err
	}

	switch {
	case havePreimage:
		return p.becomeRevealed(ctx, preimage, ins)

	case relayCovered(ins) && len(outs) == 0:
		return p.becomeSendingOrAborted(ctx, ins)

	// Outgoing parts survived a restart while the incoming set is
	// covered: fail them safely and retry from scratch once they settle.
	case relayCovered(ins) && len(outs) > 0:
		p.logger.Infow("Leftover outgoing parts, stopping them",
			"parts", len(outs))

		p.state = stateSending
		p.sending = &sendingStopping{retry: true}

		return nil

	// Outgoing parts without a covered incoming set. There is no way to
	// recoup the fee, so stop the parts and give up.
	case len(outs) > 0:
		p.logger.Warnw("Outgoing parts without covered incoming set",
			"parts", len(outs))

		p.state = stateSending
		p.sending = &sendingStopping{retry: false}

		return nil

	case len(ins) == 0:
		p.shutdown()

		return nil

	default:
		// Incoming set not yet covered. Wait for more parts.
		return nil
	}
}

// becomeSendingOrAborted validates the covered incoming set and either
// dispatches the outgoing send or rejects every part.
func (p *trampolineProcessor) becomeSendingOrAborted(ctx context.Context,
	ins []*TrampolineHtlc) error {

	height := p.cfg.height.CurrentHeight()

	if failure := validateRelay(p.cfg.policy, ins, height); failure != nil {
		p.logger.Infow("Relay rejected", "failure", failure)

		p.state = stateFinalizing
		p.outcome = &aborted{failure: failure}

		p.failAll(failure, ins)

		return nil
	}

	first := ins[0]
	totalIn := sumAmounts(ins)

	// The fee margin left after subtracting our own relay fee bounds what
	// the sender may spend on routing fees. Validation guarantees it is
	// non-negative, as is the cltv budget.
	feeReserve := totalIn - first.Inner.AmtToForward -
		p.cfg.policy.RelayFee(totalIn)

	maxCltv := minExpiry(ins) - first.Inner.OutgoingCltv -
		p.cfg.policy.CltvDelta

	req := &SendMultiPart{
		Tag:             p.tag,
		MaxCltvBudget:   maxCltv,
		Destination:     first.Inner.OutgoingNode,
		OnionTotalMsat:  first.Inner.AmtToForward,
		ActualTotalMsat: first.Inner.AmtToForward,
		FeeReserveMsat:  feeReserve,
		OutgoingCltv:    first.Inner.OutgoingCltv,
	}

	if first.Inner.InvoiceFeatures != nil {
		// The sender asks us to pay a non-trampoline mpp-capable
		// recipient directly: use the invoice's own secret and routing
		// hints.
		req.PaymentSecret = *first.Inner.PaymentSecret
		req.AssistedEdges = first.Inner.RoutingHints
	} else {
		// Relay to the next trampoline node: pass the inner onion
		// along and bind our outer layer with a fresh unpredictable
		// secret.
		if _, err := rand.Read(req.PaymentSecret[:]); err != nil {
			return err
		}

		req.TrampolineOnion = first.NextOnion
	}

	p.logger.Infow("Dispatching relay",
		"destination", first.Inner.OutgoingNode,
		"amtMsat", first.Inner.AmtToForward,
		"feeReserveMsat", feeReserve,
		"maxCltv", maxCltv)

	p.state = stateSending
	p.sending = &sendingProcessing{finalNode: first.Inner.OutgoingNode}

	p.cfg.sender.Send(req)

	return nil
}

// abortFromFailures maps the sender's failures to exactly one upstream
// failure and rejects the incoming set.
func (p *trampolineProcessor) abortFromFailures(ctx context.Context,
	failures []SendFailure, finalNode common.PubKey) error {

	failure := selectUpstreamFailure(failures, finalNode)

	p.logger.Infow("Relay failed", "failure", failure)

	p.state = stateFinalizing
	p.sending = nil
	p.outcome = &aborted{failure: failure}

	return p.reprocess(ctx)
}

// selectUpstreamFailure is total: any combination of failures maps to one
// message. The final node's own verdict always wins, a local inability to
// find a route within budget reads as our fee being too low, and any other
// remote opinion beats the generic fallback.
func selectUpstreamFailure(failures []SendFailure,
	finalNode common.PubKey) lnwire.FailureMessage {

	for _, f := range failures {
		if remote, ok := f.(*RemoteFailure); ok &&
			remote.Origin == finalNode {

			return remote.Message
		}
	}

	for _, f := range failures {
		if local, ok := f.(*LocalFailure); ok && local.NoRouteFound {
			return &FailTrampolineFeeInsufficient{}
		}
	}

	for _, f := range failures {
		if remote, ok := f.(*RemoteFailure); ok {
			return remote.Message
		}
	}

	return &lnwire.FailTemporaryNodeFailure{}
}

// becomeRevealed persists the relayed-preimage record, then claims the
// incoming set. Tolerates an empty set: the record must exist even when the
// incoming htlcs vanished across a restart.
func (p *trampolineProcessor) becomeRevealed(ctx context.Context,
	preimage lntypes.Preimage, ins []*TrampolineHtlc) error {

	var forwarded, finalFee lnwire.MilliSatoshi
	if len(ins) > 0 {
		first := ins[0]
		forwarded = first.Inner.AmtToForward
		finalFee = first.Outer.TotalMsat - forwarded -
			p.cfg.sender.UsedFee(p.tag)
	}

	err := p.cfg.store.storePreimage(ctx, p.tag.Hash, preimage)
	if err != nil {
		return err
	}

	err = p.cfg.store.addRelayedPreimage(
		ctx, p.tag.Hash, preimage, forwarded, finalFee,
	)
	if err != nil {
		return err
	}

	p.logger.Infow("Relay revealed",
		"forwardedMsat", forwarded, "finalFeeMsat", finalFee)

	p.state = stateFinalizing
	p.sending = nil
	p.outcome = &revealed{preimage: preimage}

	p.fulfillAll(preimage, ins)

	return nil
}

func (p *trampolineProcessor) fulfillAll(preimage lntypes.Preimage,
	ins []*TrampolineHtlc) {

	for _, in := range ins {
		p.cfg.bus.Fulfill(FulfillCommand{
			Key:      in.CircuitKey,
			Hash:     p.tag.Hash,
			Preimage: preimage,
		})
	}
}

func (p *trampolineProcessor) failAll(failure lnwire.FailureMessage,
	ins []*TrampolineHtlc) {

	for _, in := range ins {
		failWith(p.cfg.bus, in, failure)
	}
}

func (p *trampolineProcessor) shutdown() {
	p.logger.Debugw("Shutting down")

	p.cfg.sender.RemoveListener(p)
	p.cfg.sender.RemoveSender(p.tag)
	p.cfg.unregister(p.tag)
	p.state = stateShutdown
}
