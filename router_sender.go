package immortan

import (
	"context"
	"sync"

	"github.com/BTCparadigm/IMMORTAN/common"
	"github.com/BTCparadigm/IMMORTAN/lnd"
	"github.com/BTCparadigm/IMMORTAN/types"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwire"
	"go.uber.org/zap"
)

const (
	defaultSendMaxParts       = 16
	defaultSendTimeoutSeconds = 60
)

// RouterSenderConfig contains the configuration for the router-backed
// outgoing sender.
type RouterSenderConfig struct {
	Lnd    lnd.LndClient
	Height HeightSource
	Logger *zap.SugaredLogger
}

// RouterSender dispatches multipart payments through the connected node's
// router and translates payment updates into sender events for the
// registered listeners.
type RouterSender struct {
	lnd    lnd.LndClient
	height HeightSource
	logger *zap.SugaredLogger

	mu        sync.Mutex
	listeners map[SenderListener]struct{}
	sends     map[types.FullPaymentTag]*senderState

	quit chan struct{}
	wg   sync.WaitGroup
}

type senderState struct {
	attempts []OutgoingAttempt
	usedFee  lnwire.MilliSatoshi
}

func NewRouterSender(cfg *RouterSenderConfig) *RouterSender {
	return &RouterSender{
		lnd:       cfg.Lnd,
		height:    cfg.Height,
		logger:    cfg.Logger,
		listeners: make(map[SenderListener]struct{}),
		sends:     make(map[types.FullPaymentTag]*senderState),
		quit:      make(chan struct{}),
	}
}

// Stop cancels the in-flight tracking goroutines and waits for them.
func (r *RouterSender) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// CreateSender sets up tracking state for the tag.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) CreateSender(tag types.FullPaymentTag) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sends[tag]; !ok {
		r.sends[tag] = &senderState{}
	}
}

// RemoveSender tears down the tracking state for the tag.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) RemoveSender(tag types.FullPaymentTag) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sends, tag)
}

// AddListener registers a listener for sender events.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) AddListener(l SenderListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listeners[l] = struct{}{}
}

// RemoveListener removes a previously registered listener.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) RemoveListener(l SenderListener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.listeners, l)
}

// UsedFee reports the routing fee spent on the settled attempts for the tag.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) UsedFee(tag types.FullPaymentTag) lnwire.MilliSatoshi {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state, ok := r.sends[tag]; ok {
		return state.usedFee
	}

	return 0
}

// InFlightAttempts returns the unresolved outgoing attempts grouped by tag.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) InFlightAttempts() map[types.FullPaymentTag][]OutgoingAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := make(map[types.FullPaymentTag][]OutgoingAttempt)
	for tag, state := range r.sends {
		if len(state.attempts) == 0 {
			continue
		}

		attempts[tag] = append(
			[]OutgoingAttempt(nil), state.attempts...,
		)
	}

	return attempts
}

// Send dispatches a multipart payment and starts tracking its updates.
//
// NOTE: Part of the OutgoingSender interface.
func (r *RouterSender) Send(req *SendMultiPart) {
	rpcReq := r.marshallSendRequest(req)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		if err := r.track(req.Tag, rpcReq); err != nil {
			r.logger.Errorw("Payment tracking error",
				"tag", req.Tag, "err", err)

			// Report the send as failed so that the relay aborts
			// rather than holding its htlcs forever.
			r.notify(&OutgoingFailed{
				Tag:      req.Tag,
				Failures: []SendFailure{&LocalFailure{Err: err}},
			})
		}
	}()
}

func (r *RouterSender) marshallSendRequest(
	req *SendMultiPart) *routerrpc.SendPaymentRequest {

	height := r.height.CurrentHeight()
	finalCltvDelta := int32(req.OutgoingCltv) - int32(height)

	rpcReq := &routerrpc.SendPaymentRequest{
		Dest:           req.Destination[:],
		AmtMsat:        int64(req.ActualTotalMsat),
		PaymentHash:    req.Tag.Hash[:],
		PaymentAddr:    req.PaymentSecret[:],
		FeeLimitMsat:   int64(req.FeeReserveMsat),
		FinalCltvDelta: finalCltvDelta,
		CltvLimit:      finalCltvDelta + int32(req.MaxCltvBudget),
		MaxParts:       defaultSendMaxParts,
		TimeoutSeconds: defaultSendTimeoutSeconds,

		OutgoingChanIds: req.AllowedChannels,
	}

	if req.TrampolineOnion != nil {
		rpcReq.DestCustomRecords = map[uint64][]byte{
			trampolineOnionType: req.TrampolineOnion,
		}
	}

	for _, route := range req.AssistedEdges {
		rpcRoute := &lnrpc.RouteHint{}
		for _, hint := range route {
			rpcRoute.HopHints = append(rpcRoute.HopHints,
				&lnrpc.HopHint{
					NodeId: common.NewPubKeyFromKey(
						hint.NodeID).String(),
					ChanId:                    hint.ChannelID,
					FeeBaseMsat:               hint.FeeBaseMSat,
					FeeProportionalMillionths: hint.FeeProportionalMillionths,
					CltvExpiryDelta:           uint32(hint.CLTVExpiryDelta),
				})
		}

		rpcReq.RouteHints = append(rpcReq.RouteHints, rpcRoute)
	}

	return rpcReq
}

func (r *RouterSender) track(tag types.FullPaymentTag,
	rpcReq *routerrpc.SendPaymentRequest) error {

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-r.quit:
			cancel()

		case <-ctx.Done():
		}
	}()

	recv, err := r.lnd.SendPayment(ctx, rpcReq)
	if err != nil {
		return err
	}

	for {
		payment, err := recv()
		if err != nil {
			return err
		}

		r.updateAttempts(tag, payment)

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return r.reportSuccess(tag, payment)

		case lnrpc.Payment_FAILED:
			r.reportFailure(tag, payment)

			return nil
		}
	}
}

func (r *RouterSender) updateAttempts(tag types.FullPaymentTag,
	payment *lnrpc.Payment) {

	var attempts []OutgoingAttempt
	for _, htlc := range payment.Htlcs {
		if htlc.Status != lnrpc.HTLCAttempt_IN_FLIGHT {
			continue
		}

		var amt lnwire.MilliSatoshi
		if htlc.Route != nil {
			amt = lnwire.MilliSatoshi(htlc.Route.TotalAmtMsat -
				htlc.Route.TotalFeesMsat)
		}

		attempts = append(attempts, OutgoingAttempt{
			AttemptID:  htlc.AttemptId,
			AmountMsat: amt,
		})
	}

	r.mu.Lock()
	if state, ok := r.sends[tag]; ok {
		state.attempts = attempts
	}
	r.mu.Unlock()
}

func (r *RouterSender) reportSuccess(tag types.FullPaymentTag,
	payment *lnrpc.Payment) error {

	preimage, err := lntypes.MakePreimageFromStr(payment.PaymentPreimage)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if state, ok := r.sends[tag]; ok {
		state.usedFee = lnwire.MilliSatoshi(payment.FeeMsat)
	}
	r.mu.Unlock()

	r.notify(&RemoteFulfill{
		Hash:     tag.Hash,
		Preimage: preimage,
	})

	return nil
}

func (r *RouterSender) reportFailure(tag types.FullPaymentTag,
	payment *lnrpc.Payment) {

	var failures []SendFailure

	if payment.FailureReason == lnrpc.PaymentFailureReason_FAILURE_REASON_NO_ROUTE {
		failures = append(failures, &LocalFailure{NoRouteFound: true})
	}

	for _, htlc := range payment.Htlcs {
		failure := marshallAttemptFailure(htlc)
		if failure != nil {
			failures = append(failures, failure)
		}
	}

	r.notify(&OutgoingFailed{
		Tag:      tag,
		Failures: failures,
	})
}

// marshallAttemptFailure extracts the failing node and its message from a
// failed attempt, when the failure originated remotely.
func marshallAttemptFailure(htlc *lnrpc.HTLCAttempt) SendFailure {
	if htlc.Status != lnrpc.HTLCAttempt_FAILED || htlc.Failure == nil {
		return nil
	}

	failure := htlc.Failure

	// Source index zero is this node itself.
	if failure.FailureSourceIndex == 0 || htlc.Route == nil ||
		int(failure.FailureSourceIndex) > len(htlc.Route.Hops) {

		return &LocalFailure{}
	}

	hop := htlc.Route.Hops[failure.FailureSourceIndex-1]
	origin, err := common.NewPubKeyFromStr(hop.PubKey)
	if err != nil {
		return &LocalFailure{Err: err}
	}

	return &RemoteFailure{
		Origin:  origin,
		Message: marshallFailureMessage(failure),
	}
}

func marshallFailureMessage(
	failure *lnrpc.Failure) lnwire.FailureMessage {

	switch failure.Code {
	case lnrpc.Failure_INCORRECT_OR_UNKNOWN_PAYMENT_DETAILS:
		return lnwire.NewFailIncorrectDetails(
			lnwire.MilliSatoshi(failure.HtlcMsat), 0,
		)

	case lnrpc.Failure_MPP_TIMEOUT:
		return &lnwire.FailMPPTimeout{}

	case lnrpc.Failure_EXPIRY_TOO_SOON:
		return &FailTrampolineExpiryTooSoon{}

	default:
		return &lnwire.FailTemporaryNodeFailure{}
	}
}

func (r *RouterSender) notify(event interface{}) {
	r.mu.Lock()
	listeners := make([]SenderListener, 0, len(r.listeners))
	for l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l.DeliverSenderEvent(event)
	}
}
